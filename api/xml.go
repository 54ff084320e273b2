package api

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/conveyorq/conveyor"
	"github.com/conveyorq/conveyor/service"
)

const (
	xlinkNS    = "http://www.w3.org/1999/xlink"
	timeLayout = time.RFC3339
)

// jobHandleXML is the submission response: a single element whose
// xlink href is the canonical results URL for the new job.
type jobHandleXML struct {
	XMLName xml.Name `xml:"job"`
	XlinkNS string   `xml:"xmlns:xlink,attr"`
	Href    string   `xml:"xlink:href,attr"`
}

type statusXML struct {
	XMLName    xml.Name `xml:"job"`
	Name       string   `xml:"name"`
	State      string   `xml:"state"`
	SubmitTime string   `xml:"submit_time"`
}

type resultFileXML struct {
	Name string `xml:",chardata"`
	URL  string `xml:"url,attr"`
}

type metadatumXML struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type linkXML struct {
	Name string `xml:"name,attr"`
	URL  string `xml:"url,attr"`
}

type resultsXML struct {
	XMLName  xml.Name        `xml:"results"`
	XlinkNS  string          `xml:"xmlns:xlink,attr"`
	Name     string          `xml:"name"`
	State    string          `xml:"state"`
	Files    []resultFileXML `xml:"file"`
	Metadata []metadatumXML  `xml:"metadata"`
	Links    []linkXML       `xml:"link"`
}

type queueJobXML struct {
	Name       string `xml:"name"`
	State      string `xml:"state"`
	SubmitTime string `xml:"submit_time"`
	User       string `xml:"user,omitempty"`
}

type queueXML struct {
	XMLName xml.Name      `xml:"queue"`
	Jobs    []queueJobXML `xml:"job"`
}

type stringParamXML struct {
	Name     string `xml:"name,attr"`
	Optional string `xml:"optional,attr,omitempty"`
	Help     string `xml:",chardata"`
}

type fileParamXML struct {
	Name     string `xml:"name,attr"`
	Optional string `xml:"optional,attr,omitempty"`
	Help     string `xml:",chardata"`
}

type parametersXML struct {
	XMLName xml.Name         `xml:"parameters"`
	Strings []stringParamXML `xml:"string"`
	Files   []fileParamXML   `xml:"file"`
}

type errorXML struct {
	XMLName xml.Name `xml:"error"`
	Type    string   `xml:"type,attr"`
	Message string   `xml:",chardata"`
}

func toResultsXML(p *service.ResultsPayload) resultsXML {
	out := resultsXML{
		XlinkNS: xlinkNS,
		Name:    p.Name,
		State:   string(p.State),
	}
	for _, f := range p.Files {
		out.Files = append(out.Files, resultFileXML{Name: f.Name, URL: f.URL})
	}
	for _, m := range p.Metadata {
		out.Metadata = append(out.Metadata, metadatumXML{Name: m.Key, Value: m.Value})
	}
	for _, l := range p.Links {
		out.Links = append(out.Links, linkXML{Name: l.Key, URL: l.URL})
	}
	return out
}

// toQueueXML renders the public queue view. Job secrets never appear
// here; the queue identifies jobs by name only.
func toQueueXML(items []service.QueueItem) queueXML {
	out := queueXML{}
	for _, it := range items {
		out.Jobs = append(out.Jobs, queueJobXML{
			Name:       it.Name,
			State:      string(it.State),
			SubmitTime: it.SubmitTime.UTC().Format(timeLayout),
			User:       it.User,
		})
	}
	return out
}

func toParametersXML(schema service.Schema) parametersXML {
	out := parametersXML{}
	for _, p := range schema.Params {
		optional := ""
		if p.Optional {
			optional = "1"
		}
		if p.File {
			out.Files = append(out.Files, fileParamXML{Name: p.Name, Optional: optional, Help: p.Help})
			continue
		}
		out.Strings = append(out.Strings, stringParamXML{Name: p.Name, Optional: optional, Help: p.Help})
	}
	return out
}

func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, xml.Header)
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	_ = enc.Encode(v)
	_ = enc.Close()
	_, _ = fmt.Fprint(w, "\n")
}

// writeError maps a façade outcome to an HTTP status and an XML error
// body. Anything unrecognized is reported as internal without detail.
func writeError(w http.ResponseWriter, err error) {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		writeErrorXML(w, http.StatusBadRequest, "validation", verr.Error())
		return
	}

	var rerr *service.RateLimitError
	if errors.As(err, &rerr) {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rerr.Decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(rerr.Decision.ResetAfter.Seconds())+1))
		writeErrorXML(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	switch {
	case errors.Is(err, conveyor.ErrAccessDenied):
		writeErrorXML(w, http.StatusUnauthorized, "access_denied", "access denied")
	case errors.Is(err, conveyor.ErrJobNotFound):
		writeErrorXML(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, conveyor.ErrNotReady):
		w.Header().Set("Retry-After", "30")
		writeErrorXML(w, http.StatusServiceUnavailable, "not_ready", "job results not ready yet")
	case errors.Is(err, conveyor.ErrExpired):
		writeErrorXML(w, http.StatusGone, "expired", "job results have expired")
	case errors.Is(err, conveyor.ErrAlreadyTerminal):
		writeErrorXML(w, http.StatusConflict, "conflict", "job already finished")
	case errors.Is(err, conveyor.ErrRateLimited):
		writeErrorXML(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	default:
		writeErrorXML(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeErrorXML(w http.ResponseWriter, status int, kind, message string) {
	writeXML(w, status, errorXML{Type: kind, Message: message})
}
