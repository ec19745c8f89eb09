package audit

import "fmt"

// Recorder builds and writes the events emitted by the CA and the
// autosign service. The zero value discards everything.
type Recorder struct {
	w Writer
}

// NewRecorder returns a Recorder writing to w. A nil w discards events.
func NewRecorder(w Writer) *Recorder {
	return &Recorder{w: w}
}

func (r *Recorder) log(event *Event) error {
	if r == nil || r.w == nil {
		return nil
	}
	if err := r.w.Write(event); err != nil {
		return fmt.Errorf("audit log failed: %w", err)
	}
	return nil
}

func result(success bool) Result {
	if success {
		return ResultSuccess
	}
	return ResultFailure
}

// CACreated records the on-disk setup of a CA.
func (r *Recorder) CACreated(ca, path string, success bool) error {
	return r.log(NewEvent(EventCACreated, result(success)).
		WithObject(Object{Type: "ca", Path: path}).
		WithContext(Context{CA: ca}))
}

// CAInitialized records a CA obtaining its own certificate.
func (r *Recorder) CAInitialized(ca, subject, serial string) error {
	return r.log(NewEvent(EventCAInitialized, ResultSuccess).
		WithObject(Object{Type: "ca", Subject: subject, Serial: serial}).
		WithContext(Context{CA: ca}))
}

// CertIssued records a signing event.
func (r *Recorder) CertIssued(ca, serial, subject string) error {
	return r.log(NewEvent(EventCertIssued, ResultSuccess).
		WithObject(Object{Type: "certificate", Serial: serial, Subject: subject}).
		WithContext(Context{CA: ca}))
}

// CertRevoked records a revocation.
func (r *Recorder) CertRevoked(ca, serial, subject string) error {
	return r.log(NewEvent(EventCertRevoked, ResultSuccess).
		WithObject(Object{Type: "certificate", Serial: serial, Subject: subject}).
		WithContext(Context{CA: ca}))
}

// CRLGenerated records a CRL regeneration.
func (r *Recorder) CRLGenerated(ca, path string) error {
	return r.log(NewEvent(EventCRLGenerated, ResultSuccess).
		WithObject(Object{Type: "crl", Path: path}).
		WithContext(Context{CA: ca}))
}

// TokenIssued records a token handed out for fqdn.
func (r *Recorder) TokenIssued(fqdn, sourceIP string) error {
	return r.log(NewEvent(EventTokenIssued, ResultSuccess).
		WithActor(Actor{Type: "service", ID: actorID(sourceIP)}).
		WithObject(Object{Type: "token", Subject: fqdn}).
		WithContext(Context{SourceIP: sourceIP}))
}

// AuthFailed records a rejected autosign or enrollment request.
func (r *Recorder) AuthFailed(fqdn, sourceIP, stage, reason string) error {
	return r.log(NewEvent(EventAuthFailed, ResultFailure).
		WithActor(Actor{Type: "service", ID: actorID(sourceIP)}).
		WithObject(Object{Type: "certificate", Subject: fqdn}).
		WithContext(Context{SourceIP: sourceIP, Stage: stage, Reason: reason}))
}

func actorID(sourceIP string) string {
	if sourceIP == "" {
		return "unknown"
	}
	return sourceIP
}
