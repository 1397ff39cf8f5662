package wire

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/peebot/internal/constants"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/ingestion"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	req := EncodeRequest("secret", []ingestion.Message{
		{Channel: "NODE3000004", Time: ts, Value: 12.5, Metadata: map[string]string{"rssi": "-71"}},
		{Channel: "NODE3000005", Timestamp: "2026-03-01T08:01:00+01:00", Value: 0, IdempotencyKey: "k-2"},
	})
	if err := w.Write(req); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(NewErrorf(errors.CodeAuthFailed, "token %s", "rejected")); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf, 0)
	got, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}

	token, msgs, err := DecodeRequest(got)
	if err != nil {
		t.Fatal(err)
	}
	if token != "secret" || len(msgs) != 2 {
		t.Fatalf("token = %q, messages = %d", token, len(msgs))
	}
	if msgs[0].Timestamp != "2026-03-01T08:00:00Z" || msgs[0].Value != 12.5 || msgs[0].Metadata["rssi"] != "-71" {
		t.Errorf("first = %+v", msgs[0])
	}
	if msgs[1].Value != 0 || msgs[1].IdempotencyKey != "k-2" || msgs[1].Timestamp != "2026-03-01T08:01:00+01:00" {
		t.Errorf("second = %+v", msgs[1])
	}

	errFrame, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if e := ErrorOf(errFrame); !errors.Is(e, errors.ErrInvalidToken) || !strings.Contains(e.Error(), "token rejected") {
		t.Errorf("ErrorOf = %v", e)
	}
	if ErrorOf(got) != nil {
		t.Error("request frame reported as error")
	}
}

func TestDecodeRequestValidation(t *testing.T) {
	tests := []struct {
		name string
		req  map[string]interface{}
	}{
		{"missing token", map[string]interface{}{"messages": []interface{}{}}},
		{"missing messages", map[string]interface{}{"token": "t"}},
		{"value not a number", map[string]interface{}{
			"token":    "t",
			"messages": []interface{}{map[string]interface{}{"channel": "c", "timestamp": "x", "value": "12"}},
		}},
		{"message not an object", map[string]interface{}{"token": "t", "messages": []interface{}{"c;12"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := structpb.NewStruct(tt.req)
			if err != nil {
				t.Fatal(err)
			}
			if _, _, err := DecodeRequest(s); !errors.IsValidation(err) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	in := []ingestion.Outcome{
		{Status: constants.OutcomeAccepted, Key: "k1"},
		{Status: constants.OutcomeDuplicate, Key: "k1"},
		{Status: constants.OutcomeRejected, Reason: ingestion.ReasonUnknownChannel},
		{Status: constants.OutcomeFailed, Err: errors.ErrStoreUnavailable},
	}

	out, err := DecodeResponse(EncodeResponse(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d outcomes", len(out))
	}
	for i := range in {
		if out[i].Status != in[i].Status || out[i].Key != in[i].Key || out[i].Reason != in[i].Reason {
			t.Errorf("outcome %d = %+v, want %+v", i, out[i], in[i])
		}
	}
	if !errors.IsTransient(out[3].Err) || !out[3].Retryable() {
		t.Errorf("failed outcome err = %v", out[3].Err)
	}
	if out[0].Err != nil {
		t.Errorf("accepted outcome carries error %v", out[0].Err)
	}

	if _, err := DecodeResponse(NewErrorFromErr(errors.ErrRateLimited)); !errors.Is(err, errors.ErrRateLimited) {
		t.Errorf("error frame = %v", err)
	}
}

func TestReaderMaxSize(t *testing.T) {
	var buf bytes.Buffer
	big := make([]ingestion.Message, 200)
	for i := range big {
		big[i] = ingestion.Message{Channel: strings.Repeat("x", 64), Timestamp: "2026-03-01T08:00:00Z", Value: 1}
	}
	if err := NewWriter(&buf).Write(EncodeRequest("t", big)); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReader(&buf, 1024).Read(); err == nil {
		t.Error("expected size limit error")
	}
}
