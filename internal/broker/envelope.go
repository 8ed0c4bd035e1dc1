// Package broker is the message-channel layer: durable point-to-point
// delivery over AMQP with manual acknowledgement, plus the envelope format
// shared by the coordinator and every stage worker.
package broker

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Out-of-band header keys carried on every message.
const (
	HeaderCorrelationID = "x-correlation-id"
	HeaderAuthorization = "authorization"
)

// Envelope is the wire format of every broker message.
type Envelope struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Time     time.Time       `json:"time"`
	JobID    string          `json:"jobId"`
	MD5      string          `json:"md5"`
	Filepath string          `json:"filepath"`
	Errors   []string        `json:"errors"`
	Message  json.RawMessage `json:"message"`
}

// Publication describes one outbound message before envelope wrapping.
type Publication struct {
	Queue    string
	JobID    string
	MD5      string
	Filepath string
	CorrID   string
	Token    string
	Errors   []string
	Payload  any
}

// encode wraps p in an Envelope and builds the AMQP headers.
func encode(from string, p Publication) ([]byte, amqp.Table, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	errs := p.Errors
	if errs == nil {
		errs = []string{}
	}
	body, err := json.Marshal(Envelope{
		From:     from,
		To:       p.Queue,
		Time:     time.Now().UTC(),
		JobID:    p.JobID,
		MD5:      p.MD5,
		Filepath: p.Filepath,
		Errors:   errs,
		Message:  payload,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal envelope: %w", err)
	}
	headers := amqp.Table{
		HeaderCorrelationID: p.CorrID,
		HeaderAuthorization: "Bearer " + p.Token,
	}
	return body, headers, nil
}

// decode parses a message body back into an Envelope.
func decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// corrIDFromHeaders extracts the correlation id, or "".
func corrIDFromHeaders(h amqp.Table) string {
	if v, ok := h[HeaderCorrelationID].(string); ok {
		return v
	}
	return ""
}

// tokenFromHeaders extracts the bearer token, or "".
func tokenFromHeaders(h amqp.Table) string {
	v, ok := h[HeaderAuthorization].(string)
	if !ok {
		return ""
	}
	token, found := strings.CutPrefix(v, "Bearer ")
	if !found {
		return ""
	}
	return token
}
