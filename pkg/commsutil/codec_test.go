package commsutil

import (
	"encoding/json"
	"testing"

	"github.com/pgostovic/platform/pkg/message"
)

func TestEncodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		env     *message.Envelope
		want    string
		wantErr bool
	}{
		{
			name: "request",
			env:  &message.Envelope{Kind: message.KindRequest, RequestID: 7, Payload: json.RawMessage(`{"type":"auth.handlers"}`), SourceID: "S"},
			want: `{"k":"request","id":7,"p":{"type":"auth.handlers"},"src":"S"}`,
		},
		{
			name: "multi end marker",
			env:  &message.Envelope{Kind: message.KindMulti, RequestID: 7, Seq: 3, End: true},
			want: `{"k":"multi","id":7,"seq":3,"end":true}`,
		},
		{
			name: "send omits request id",
			env:  &message.Envelope{Kind: message.KindSend, Payload: json.RawMessage(`{"type":"app.tick"}`)},
			want: `{"k":"send","p":{"type":"app.tick"}}`,
		},
		{
			name:    "unknown kind",
			env:     &message.Envelope{Kind: "bogus"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeEnvelope(tt.env)
			if tt.wantErr {
				if err == nil {
					t.Fatal("commsutil:codec_test - expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("commsutil:codec_test - got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	original := &message.Envelope{
		Kind:      message.KindMulti,
		RequestID: 42,
		Payload:   json.RawMessage(`{"type":"search.query","info":{"q":"go"}}`),
		SourceID:  "SRC",
		Signature: "abcd",
		Seq:       2,
	}
	data, err := EncodeEnvelope(original)
	if err != nil {
		t.Fatalf("commsutil:codec_test - EncodeEnvelope failed: %v", err)
	}
	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("commsutil:codec_test - DecodeEnvelope failed: %v", err)
	}
	if decoded.Kind != original.Kind || decoded.RequestID != original.RequestID ||
		decoded.SourceID != original.SourceID || decoded.Signature != original.Signature ||
		decoded.Seq != original.Seq || decoded.End != original.End {
		t.Errorf("commsutil:codec_test - decoded %+v, want %+v", decoded, original)
	}
	if string(decoded.Payload) != string(original.Payload) {
		t.Errorf("commsutil:codec_test - payload %s, want %s", decoded.Payload, original.Payload)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{name: "request", data: `{"k":"request","id":7,"p":{"type":"auth.handlers"},"src":"S"}`},
		{name: "multi end marker", data: `{"k":"multi","id":7,"seq":3,"end":true}`},
		{name: "unknown kind", data: `{"k":"bogus","id":1}`, wantErr: true},
		{name: "missing kind", data: `{"id":1}`, wantErr: true},
		{name: "garbage", data: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatal("commsutil:codec_test - expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
			}
			if env.RequestID != 7 {
				t.Errorf("commsutil:codec_test - RequestID = %d, want 7", env.RequestID)
			}
		})
	}
}
