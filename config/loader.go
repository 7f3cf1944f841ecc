// Package config loads an XML startup document and replays it as
// control-plane requests through the same protocol.Handler a remote client
// drives. A missing --config flag skips this entirely; a malformed element
// logs a warning and the remaining elements still apply.
package config

import (
	"encoding/xml"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/blobserver-go/blobserver/flow"
	"github.com/blobserver-go/blobserver/protocol"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type connectElem struct {
	IP       string       `xml:"ip,attr"`
	Port     int          `xml:"port,attr"`
	Detector string       `xml:"detector,attr"`
	Sources  []sourceElem `xml:"source"`
}

type sourceElem struct {
	Name     string `xml:"name,attr"`
	SubIndex int    `xml:"subIndex,attr"`
}

type setParameterElem struct {
	FlowID    uint64 `xml:"flowId,attr"`
	Target    string `xml:"target,attr"` // "Detector" or "Source"
	SourceIdx int    `xml:"sourceIdx,attr"`
	Name      string `xml:"name,attr"`
	Value     string `xml:"value,attr"`
}

type startStopElem struct {
	FlowID uint64 `xml:"flowId,attr"`
}

// Load parses the XML document at path and replays every element through
// handler, in document order. An element that fails to decode or apply is
// logged and skipped; it never prevents the remaining elements from being
// applied.
func Load(path string, handler *protocol.Handler, logger *log.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "config: can't open document")
	}
	defer f.Close()

	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "config: malformed xml")
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "connect":
			applyConnect(dec, start, handler, logger)
		case "setParameter":
			applySetParameter(dec, start, handler, logger)
		case "start":
			applyRun(dec, start, handler, logger, true)
		case "stop":
			applyRun(dec, start, handler, logger, false)
		}
	}
}

func applyConnect(dec *xml.Decoder, start xml.StartElement, handler *protocol.Handler, logger *log.Logger) {
	var elem connectElem
	if err := dec.DecodeElement(&elem, &start); err != nil {
		logger.Printf("config: skipping malformed <connect>: %v", err)
		return
	}
	specs := make([]flow.SourceSpec, 0, len(elem.Sources))
	for _, s := range elem.Sources {
		specs = append(specs, flow.SourceSpec{Name: s.Name, SubIndex: s.SubIndex})
	}
	req := protocol.ConnectRequest{
		Subscriber: flow.Endpoint{IP: elem.IP, Port: elem.Port},
		Detector:   elem.Detector,
		Sources:    specs,
	}
	id, err := handler.Connect(req)
	if err != nil {
		logger.Printf("config: <connect> to %q failed: %v", elem.Detector, err)
		return
	}
	logger.Printf("config: %s", auditLine("connect", map[string]any{"detector": elem.Detector, "flowId": id}))
}

func applySetParameter(dec *xml.Decoder, start xml.StartElement, handler *protocol.Handler, logger *log.Logger) {
	var elem setParameterElem
	if err := dec.DecodeElement(&elem, &start); err != nil {
		logger.Printf("config: skipping malformed <setParameter>: %v", err)
		return
	}
	value := parseValue(elem.Value)
	req := protocol.SetParameterRequest{FlowID: elem.FlowID, Name: elem.Name, Value: value}
	switch elem.Target {
	case "Detector":
		req.Target = protocol.TargetDetector
	case "Source":
		req.Target = protocol.TargetSource
		req.SourceIdx = elem.SourceIdx
	default:
		logger.Printf("config: skipping <setParameter> with unrecognized target %q", elem.Target)
		return
	}
	if err := handler.SetParameter(req); err != nil {
		logger.Printf("config: <setParameter> flow %d: %v", elem.FlowID, err)
		return
	}
	logger.Printf("config: %s", auditLine("setParameter", map[string]any{"flowId": elem.FlowID, "name": elem.Name, "value": value}))
}

func applyRun(dec *xml.Decoder, start xml.StartElement, handler *protocol.Handler, logger *log.Logger, run bool) {
	var elem startStopElem
	if err := dec.DecodeElement(&elem, &start); err != nil {
		logger.Printf("config: skipping malformed <%s>: %v", start.Name.Local, err)
		return
	}
	target := protocol.TargetStop
	if run {
		target = protocol.TargetStart
	}
	req := protocol.SetParameterRequest{FlowID: elem.FlowID, Target: target}
	if err := handler.SetParameter(req); err != nil {
		logger.Printf("config: <%s> flow %d: %v", start.Name.Local, elem.FlowID, err)
	}
}

// parseValue decodes a setParameter value attribute. A value beginning with
// '{' is treated as a JSON-encoded parameter blob of shape
// {"type": "int"|"float"|"bool"|"string", "value": ...}, decoded with
// gjson; anything else is parsed as a plain scalar.
func parseValue(raw string) any {
	if len(raw) > 0 && raw[0] == '{' {
		result := gjson.Get(raw, "value")
		switch gjson.Get(raw, "type").String() {
		case "int":
			return int(result.Int())
		case "float":
			return result.Float()
		case "bool":
			return result.Bool()
		default:
			return result.String()
		}
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

// auditLine builds a compact JSON line for the config loader's log output,
// built incrementally with sjson the way a structured audit trail would be.
func auditLine(kind string, fields map[string]any) string {
	out := `{}`
	out, _ = sjson.Set(out, "event", kind)
	for k, v := range fields {
		out, _ = sjson.Set(out, k, v)
	}
	return out
}
