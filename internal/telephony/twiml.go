package telephony

import (
	"encoding/xml"
	"fmt"
)

// Control documents returned to the carrier's webhooks. The carrier reads
// the verbs in order; a response with no verbs hangs up.

// Response is the root of a carrier control document.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Connect *Connect `xml:"Connect,omitempty"`
	Gather  *Gather  `xml:"Gather,omitempty"`
	Say     *Say     `xml:"Say,omitempty"`
	Dial    *Dial    `xml:"Dial,omitempty"`
	Hangup  *Hangup  `xml:"Hangup,omitempty"`
	Reject  *Reject  `xml:"Reject,omitempty"`
}

// Connect hands the call to a bidirectional media stream.
type Connect struct {
	Stream *StreamVerb `xml:"Stream"`
}

// StreamVerb opens the websocket media stream. The record attribute is
// boolean-only on this verb; the recording destination is configured via
// the status callback.
type StreamVerb struct {
	URL                     string      `xml:"url,attr"`
	Record                  bool        `xml:"record,attr"`
	RecordingStatusCallback string      `xml:"recordingStatusCallback,attr,omitempty"`
	Parameters              []Parameter `xml:"Parameter,omitempty"`
}

// Parameter is a custom key/value passed through to the stream's start frame.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Gather collects DTMF digits on a carrier-rendered prompt, used for
// outbound offer calls where no media stream is attached.
type Gather struct {
	NumDigits int    `xml:"numDigits,attr,omitempty"`
	Timeout   int    `xml:"timeout,attr,omitempty"`
	Action    string `xml:"action,attr,omitempty"`
	Method    string `xml:"method,attr,omitempty"`
	Play      *Play  `xml:"Play,omitempty"`
	Say       *Say   `xml:"Say,omitempty"`
}

// Play streams an audio asset by URL.
type Play struct {
	URL string `xml:",chardata"`
}

// Say renders carrier-side text to speech.
type Say struct {
	Text string `xml:",chardata"`
}

// Dial bridges the call to a PSTN number.
type Dial struct {
	Timeout  int    `xml:"timeout,attr,omitempty"`
	CallerID string `xml:"callerId,attr,omitempty"`
	Number   string `xml:"Number"`
}

// Hangup terminates the call.
type Hangup struct{}

// Reject declines the call without answering.
type Reject struct{}

// Encode renders the control document with the XML declaration the
// carrier requires.
func (r *Response) Encode() ([]byte, error) {
	body, err := xml.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("telephony: encoding control document: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// ConnectStreamResponse builds the session-start control document: open
// the media stream, optionally record, and pass the caller's phone as a
// custom parameter so the adapter can skip the control-API fetch.
func ConnectStreamResponse(streamURL string, record bool, recordingCallback, callerPhone string) *Response {
	sv := &StreamVerb{
		URL:    streamURL,
		Record: record,
	}
	if record {
		sv.RecordingStatusCallback = recordingCallback
	}
	if callerPhone != "" {
		sv.Parameters = append(sv.Parameters, Parameter{Name: "callerPhone", Value: callerPhone})
	}
	return &Response{Connect: &Connect{Stream: sv}}
}

// OfferGatherResponse builds the answered-offer control document: play
// the pre-synthesized offer audio and gather one digit.
func OfferGatherResponse(audioURL, actionURL string, timeoutSec int) *Response {
	return &Response{
		Gather: &Gather{
			NumDigits: 1,
			Timeout:   timeoutSec,
			Action:    actionURL,
			Method:    "POST",
			Play:      &Play{URL: audioURL},
		},
	}
}

// TransferResponse builds the hand-off document bridging the caller to a
// representative's PSTN number.
func TransferResponse(target, callerID string, timeoutSec int) *Response {
	return &Response{
		Dial: &Dial{
			Timeout:  timeoutSec,
			CallerID: callerID,
			Number:   target,
		},
	}
}

// HangupResponse builds a terminate document.
func HangupResponse() *Response {
	return &Response{Hangup: &Hangup{}}
}
