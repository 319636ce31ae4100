package message

import (
	"encoding/json"
	"fmt"
)

// envelope is the wire form: the discriminator plus the variant payload.
type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes a message into its wire envelope.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode message: nil message")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Kind(), err)
	}
	b, err := json.Marshal(envelope{Type: m.Kind(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", m.Kind(), err)
	}
	return b, nil
}

// Decode parses a wire envelope back into its concrete variant. Unknown
// discriminators are an error so that protocol drift is caught at the
// boundary instead of deep inside a handler.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var m Message
	switch env.Type {
	case TypeJobProcess:
		m = &JobProcess{}
	case TypeJobCancel:
		m = &JobCancel{}
	case TypeJobCancelAll:
		m = &JobCancelAll{}
	case TypeJobStatus:
		m = &JobStatus{}
	case TypeJobResult:
		m = &JobResult{}
	case TypeJobUpdate:
		m = &JobUpdate{}
	case TypeWorkerRegister:
		m = &WorkerRegister{}
	case TypeWorkerUnregister:
		m = &WorkerUnregister{}
	case TypeWorkerStatus:
		m = &WorkerStatus{}
	case TypeWorkerReady:
		m = &WorkerReady{}
	default:
		return nil, fmt.Errorf("decode envelope: unknown type %q", env.Type)
	}
	if err := json.Unmarshal(env.Payload, m); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return m, nil
}
