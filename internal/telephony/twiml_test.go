package telephony

import (
	"strings"
	"testing"
)

func encode(t *testing.T, r *Response) string {
	t.Helper()
	out, err := r.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return string(out)
}

func TestConnectStreamResponse(t *testing.T) {
	doc := encode(t, ConnectStreamResponse(
		"wss://pbx.example.com/media", true,
		"https://pbx.example.com/webhooks/recording-status", "+15550001111"))

	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<Connect>`,
		`url="wss://pbx.example.com/media"`,
		`record="true"`,
		`recordingStatusCallback="https://pbx.example.com/webhooks/recording-status"`,
		`<Parameter name="callerPhone" value="+15550001111">`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document missing %q:\n%s", want, doc)
		}
	}
}

func TestConnectStreamResponseNoRecording(t *testing.T) {
	doc := encode(t, ConnectStreamResponse("wss://pbx.example.com/media", false, "https://cb", ""))
	if strings.Contains(doc, "recordingStatusCallback") {
		t.Errorf("callback attribute present without recording:\n%s", doc)
	}
	if strings.Contains(doc, "Parameter") {
		t.Errorf("empty caller phone produced a Parameter:\n%s", doc)
	}
}

func TestOfferGatherResponse(t *testing.T) {
	doc := encode(t, OfferGatherResponse(
		"https://pbx.example.com/webhooks/offer/abc/audio",
		"https://pbx.example.com/webhooks/offer/abc/gather", 12))

	for _, want := range []string{
		`numDigits="1"`,
		`timeout="12"`,
		`action="https://pbx.example.com/webhooks/offer/abc/gather"`,
		`method="POST"`,
		`<Play>https://pbx.example.com/webhooks/offer/abc/audio</Play>`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document missing %q:\n%s", want, doc)
		}
	}
}

func TestTransferResponse(t *testing.T) {
	doc := encode(t, TransferResponse("+15559998888", "+15550002222", 30))
	for _, want := range []string{
		`timeout="30"`,
		`callerId="+15550002222"`,
		`<Number>+15559998888</Number>`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document missing %q:\n%s", want, doc)
		}
	}
}

func TestHangupResponse(t *testing.T) {
	doc := encode(t, HangupResponse())
	if !strings.Contains(doc, "<Hangup></Hangup>") {
		t.Errorf("document missing hangup verb:\n%s", doc)
	}
}

func TestSegmentCount(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty", "", 0},
		{"single char", "a", 1},
		{"at single limit", strings.Repeat("a", 160), 1},
		{"just over", strings.Repeat("a", 161), 2},
		{"two full segments", strings.Repeat("a", 306), 2},
		{"three segments", strings.Repeat("a", 307), 3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := SegmentCount(c.body); got != c.want {
				t.Errorf("SegmentCount(len %d) = %d, want %d", len(c.body), got, c.want)
			}
		})
	}
}

func TestOfferRegistryFirstResolutionWins(t *testing.T) {
	r := NewOfferRegistry()
	ch := r.Register("off1", []byte{1, 2, 3})

	if got := r.Audio("off1"); len(got) != 3 {
		t.Fatalf("audio = %v", got)
	}
	if got := r.InFlight(); got != 1 {
		t.Fatalf("in flight = %d, want 1", got)
	}

	r.Resolve("off1", OfferResult{Outcome: OfferAccepted, Digit: "1"})
	r.Resolve("off1", OfferResult{Outcome: OfferNoAnswer})

	res := <-ch
	if res.Outcome != OfferAccepted || res.Digit != "1" {
		t.Fatalf("result = %+v, want first resolution", res)
	}
	select {
	case extra := <-ch:
		t.Fatalf("second result delivered: %+v", extra)
	default:
	}

	if got := r.InFlight(); got != 0 {
		t.Fatalf("in flight after resolve = %d, want 0", got)
	}

	r.Release("off1")
	if got := r.Audio("off1"); got != nil {
		t.Fatalf("audio after release = %v, want nil", got)
	}
}

func TestOfferRegistryUnknownOffer(t *testing.T) {
	r := NewOfferRegistry()
	// Must not panic or block.
	r.Resolve("ghost", OfferResult{Outcome: OfferDeclined})
	if got := r.Audio("ghost"); got != nil {
		t.Fatalf("audio = %v, want nil", got)
	}
}
