package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// It intentionally avoids any provider SDK dependency.
//
// Only include primitives we need at the adapter boundary.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName       xml.Name  `xml:"Gather"`
	Input         string    `xml:"input,attr,omitempty"`
	Action        string    `xml:"action,attr,omitempty"`
	SpeechTimeout string    `xml:"speechTimeout,attr,omitempty"`
	Say           *twimlSay `xml:"Say,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName xml.Name `xml:"Dial"`
	Number  string   `xml:"Number,omitempty"`
}

// GreetingPrompt describes the voice response for an answered call: a spoken
// greeting followed by a speech gather posting transcribed input to actionURL.
type GreetingPrompt struct {
	Greeting  string
	ActionURL string
}

// RenderGreeting maps a GreetingPrompt to TwiML. An empty ActionURL renders
// the greeting followed by a hangup instead of a gather.
func RenderGreeting(p GreetingPrompt) (string, error) {
	if strings.TrimSpace(p.Greeting) == "" {
		return "", errors.New("telephony: greeting required")
	}

	var r twimlResponse
	if p.ActionURL == "" {
		r.Verbs = append(r.Verbs, twimlSay{Text: p.Greeting})
		r.Verbs = append(r.Verbs, twimlHangup{})
	} else {
		r.Verbs = append(r.Verbs, twimlGather{
			Input:         "speech",
			Action:        p.ActionURL,
			SpeechTimeout: "auto",
			Say:           &twimlSay{Text: p.Greeting},
		})
	}
	return renderTwiML(r)
}

// RenderDial renders a TwiML document connecting the call to a PSTN number.
func RenderDial(number string) (string, error) {
	if strings.TrimSpace(number) == "" {
		return "", errors.New("telephony: dial number required")
	}
	var r twimlResponse
	r.Verbs = append(r.Verbs, twimlDial{Number: number})
	return renderTwiML(r)
}

// RenderHangup renders a bare hangup response.
func RenderHangup() (string, error) {
	var r twimlResponse
	r.Verbs = append(r.Verbs, twimlHangup{})
	return renderTwiML(r)
}

func renderTwiML(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
