package conn

import "testing"

func TestDirectDisconnectTargetRecognizesEnvelope(t *testing.T) {
	data := []byte(`{"type":"direct_disconnect_user","data":{"target_id":"u1","close_code":4003}}`)
	target, code, ok := directDisconnectTarget(data)
	if !ok || target != "u1" || code != 4003 {
		t.Fatalf("directDisconnectTarget() = (%q, %d, %v), want (u1, 4003, true)", target, code, ok)
	}
}

func TestDirectDisconnectTargetIgnoresOtherEnvelopes(t *testing.T) {
	data := []byte(`{"type":"chat","data":{"message":"hi"}}`)
	_, _, ok := directDisconnectTarget(data)
	if ok {
		t.Fatalf("directDisconnectTarget() matched a non-disconnect envelope")
	}
}

func TestDirectDisconnectTargetIgnoresMalformedPayload(t *testing.T) {
	_, _, ok := directDisconnectTarget([]byte(`not json`))
	if ok {
		t.Fatalf("directDisconnectTarget() matched malformed payload")
	}
}
