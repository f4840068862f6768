package decoder

import (
	"bytes"
	"path"
	"strings"

	"github.com/ashureev/policy-assistant/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"
)

const (
	headerMessageType = ":message-type"
	headerEventType   = ":event-type"
	messageTypeEvent  = "event"
	eventTypeChunk    = "chunk"
)

// Reference location fields, checked in order.
var locationPaths = []string{
	"s3Location.uri",
	"webLocation.url",
	"confluenceLocation.url",
	"salesforceLocation.url",
	"sharePointLocation.url",
	"kendraDocumentLocation.uri",
	"customDocumentLocation.id",
}

type eventStreamResult struct {
	chunks    []string
	citations []domain.Citation
}

// decodeEventStream parses raw as a sequence of event-stream messages.
// It reports false on any framing error, on an exception message, or when no
// chunk event carried text.
func decodeEventStream(raw []byte) (eventStreamResult, bool) {
	var res eventStreamResult
	if len(raw) == 0 {
		return res, false
	}

	dec := eventstream.NewDecoder()
	r := bytes.NewReader(raw)
	seen := make(map[string]bool)

	for r.Len() > 0 {
		msg, err := dec.Decode(r, nil)
		if err != nil {
			return eventStreamResult{}, false
		}
		if headerString(msg.Headers, headerMessageType) != messageTypeEvent {
			return eventStreamResult{}, false
		}
		if headerString(msg.Headers, headerEventType) != eventTypeChunk {
			continue
		}

		if encoded := gjson.GetBytes(msg.Payload, "bytes"); encoded.Exists() {
			if text, ok := decodeBase64(encoded.String()); ok {
				res.chunks = append(res.chunks, string(text))
			}
		}
		res.citations = appendAttributions(res.citations, gjson.GetBytes(msg.Payload, "attribution.citations"), seen)
	}

	if strings.Join(res.chunks, "") == "" {
		return eventStreamResult{}, false
	}
	return res, true
}

func headerString(h eventstream.Headers, name string) string {
	if v, ok := h.Get(name).(eventstream.StringValue); ok {
		return string(v)
	}
	return ""
}

func appendAttributions(out []domain.Citation, citations gjson.Result, seen map[string]bool) []domain.Citation {
	citations.ForEach(func(_, c gjson.Result) bool {
		c.Get("retrievedReferences").ForEach(func(_, ref gjson.Result) bool {
			link := referenceLink(ref.Get("location"))
			if link == "" || seen[link] {
				return true
			}
			seen[link] = true
			out = append(out, domain.Citation{
				DocumentTitle: referenceTitle(ref, link),
				DocumentLink:  link,
			})
			return true
		})
		return true
	})
	return out
}

func referenceLink(location gjson.Result) string {
	for _, p := range locationPaths {
		if v := location.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func referenceTitle(ref gjson.Result, link string) string {
	if t := ref.Get("metadata.title"); t.Exists() && t.String() != "" {
		return t.String()
	}
	if base := path.Base(link); base != "." && base != "/" && base != "" {
		return base
	}
	return domain.UntitledDocument
}
