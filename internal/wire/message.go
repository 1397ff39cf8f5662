package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/peebot/internal/constants"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/ingestion"
)

// EncodeRequest builds an injection request frame.
func EncodeRequest(token string, msgs []ingestion.Message) *structpb.Struct {
	list := make([]*structpb.Value, len(msgs))
	for i, m := range msgs {
		fields := map[string]*structpb.Value{
			"channel": structpb.NewStringValue(m.Channel),
			"value":   structpb.NewNumberValue(m.Value),
		}
		ts := m.Timestamp
		if !m.Time.IsZero() {
			ts = m.Time.UTC().Format(time.RFC3339Nano)
		}
		fields["timestamp"] = structpb.NewStringValue(ts)
		if m.IdempotencyKey != "" {
			fields["idempotency_key"] = structpb.NewStringValue(m.IdempotencyKey)
		}
		if len(m.Metadata) > 0 {
			md := make(map[string]*structpb.Value, len(m.Metadata))
			for k, v := range m.Metadata {
				md[k] = structpb.NewStringValue(v)
			}
			fields["metadata"] = structpb.NewStructValue(&structpb.Struct{Fields: md})
		}
		list[i] = structpb.NewStructValue(&structpb.Struct{Fields: fields})
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"token":    structpb.NewStringValue(token),
		"messages": structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}
}

// DecodeRequest extracts the token and messages of a request frame.
// Every message must carry a channel, a timestamp and a numeric value.
func DecodeRequest(req *structpb.Struct) (string, []ingestion.Message, error) {
	fields := req.GetFields()

	token := fields["token"].GetStringValue()
	if token == "" {
		return "", nil, errors.NewMissingField("token")
	}

	raw, ok := fields["messages"]
	if !ok || raw.GetListValue() == nil {
		return token, nil, errors.NewMissingField("messages")
	}

	values := raw.GetListValue().GetValues()
	msgs := make([]ingestion.Message, 0, len(values))
	errs := errors.NewValidationErrors()

	for i, v := range values {
		m := v.GetStructValue()
		if m == nil {
			errs.AddField(fmt.Sprintf("messages[%d]", i), "not an object")
			continue
		}
		f := m.GetFields()

		val, ok := f["value"].GetKind().(*structpb.Value_NumberValue)
		if !ok {
			errs.AddField(fmt.Sprintf("messages[%d].value", i), "missing or not a number")
			continue
		}

		msg := ingestion.Message{
			Channel:        f["channel"].GetStringValue(),
			Timestamp:      f["timestamp"].GetStringValue(),
			Value:          val.NumberValue,
			IdempotencyKey: f["idempotency_key"].GetStringValue(),
		}
		if md := f["metadata"].GetStructValue(); md != nil && len(md.GetFields()) > 0 {
			msg.Metadata = make(map[string]string, len(md.GetFields()))
			for k, mv := range md.GetFields() {
				msg.Metadata[k] = scalarString(mv)
			}
		}
		msgs = append(msgs, msg)
	}

	if err := errs.Err(); err != nil {
		return token, nil, err
	}
	return token, msgs, nil
}

// EncodeResponse builds a response frame with one outcome per message.
func EncodeResponse(outcomes []ingestion.Outcome) *structpb.Struct {
	list := make([]*structpb.Value, len(outcomes))
	for i, o := range outcomes {
		fields := map[string]*structpb.Value{
			"status": structpb.NewStringValue(o.Status),
		}
		if o.Reason != "" {
			fields["reason"] = structpb.NewStringValue(o.Reason)
		}
		if o.Key != "" {
			fields["key"] = structpb.NewStringValue(o.Key)
		}
		if o.Err != nil {
			fields["error"] = structpb.NewStringValue(o.Err.Error())
			fields["code"] = structpb.NewNumberValue(float64(errors.ErrorToCode(o.Err)))
		}
		list[i] = structpb.NewStructValue(&structpb.Struct{Fields: fields})
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"outcomes": structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}
}

// DecodeResponse extracts outcomes from a response frame. An error frame is
// returned as error.
func DecodeResponse(resp *structpb.Struct) ([]ingestion.Outcome, error) {
	if err := ErrorOf(resp); err != nil {
		return nil, err
	}

	values := resp.GetFields()["outcomes"].GetListValue().GetValues()
	out := make([]ingestion.Outcome, len(values))
	for i, v := range values {
		f := v.GetStructValue().GetFields()
		out[i] = ingestion.Outcome{
			Status: f["status"].GetStringValue(),
			Reason: f["reason"].GetStringValue(),
			Key:    f["key"].GetStringValue(),
		}
		if msg := f["error"].GetStringValue(); msg != "" || out[i].Status == constants.OutcomeFailed {
			code := int32(f["code"].GetNumberValue())
			out[i].Err = fmt.Errorf("%s: %w", msg, errors.CodeToError(code))
		}
	}
	return out, nil
}

func scalarString(v *structpb.Value) string {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return fmt.Sprintf("%g", k.NumberValue)
	case *structpb.Value_BoolValue:
		if k.BoolValue {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
