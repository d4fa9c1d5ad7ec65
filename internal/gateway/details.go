package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/config"
	"github.com/syncular/syncular/internal/syncerr"
)

// detailDescriptor routes one federated detail lookup.
type detailDescriptor struct {
	param     string
	path      func(localID string) string
	ambiguous string
}

var (
	commitDetail = detailDescriptor{
		param:     "seq",
		path:      func(id string) string { return "/console/commits/" + url.PathEscape(id) },
		ambiguous: syncerr.CodeAmbiguousCommitID,
	}
	operationDetail = detailDescriptor{
		param:     "id",
		path:      func(id string) string { return "/console/operations/" + url.PathEscape(id) },
		ambiguous: syncerr.CodeAmbiguousOperationID,
	}
	eventDetail = detailDescriptor{
		param:     "id",
		path:      func(id string) string { return "/console/events/" + url.PathEscape(id) },
		ambiguous: syncerr.CodeAmbiguousEventID,
	}
	eventPayloadDetail = detailDescriptor{
		param:     "id",
		path:      func(id string) string { return "/console/events/" + url.PathEscape(id) + "/payload" },
		ambiguous: syncerr.CodeAmbiguousEventID,
	}
)

// resolveRef maps an id reference onto one instance. Federated ids
// carry the instance; bare ids work with an explicit instanceId
// parameter or when exactly one instance is enabled.
func (g *Gateway) resolveRef(c echo.Context, ref, ambiguousCode string) (config.Instance, string, error) {
	if ref == "" {
		return config.Instance{}, "", syncerr.Invalid("id is required")
	}

	if i := strings.Index(ref, ":"); i >= 0 {
		instID, localID := ref[:i], ref[i+1:]
		if instID == "" || localID == "" {
			return config.Instance{}, "", syncerr.New(syncerr.CodeInvalidFederatedID, http.StatusBadRequest,
				"malformed federated id %q; expected <instanceId>:<id>", ref)
		}
		inst, okInst := g.byID[instID]
		if !okInst {
			return config.Instance{}, "", syncerr.NotFound("unknown instance %q", instID)
		}
		return inst, localID, nil
	}

	if id := c.QueryParam("instanceId"); id != "" {
		inst, okInst := g.byID[id]
		if !okInst {
			return config.Instance{}, "", syncerr.NotFound("unknown instance %q", id)
		}
		return inst, ref, nil
	}

	enabled := g.enabled()
	switch len(enabled) {
	case 1:
		return enabled[0], ref, nil
	case 0:
		return config.Instance{}, "", errNoInstances()
	default:
		return config.Instance{}, "", syncerr.New(ambiguousCode, http.StatusBadRequest,
			"id %q matches multiple instances; use <instanceId>:<id> or pass instanceId", ref)
	}
}

// detail resolves a federated id, fetches the record from the one
// instance it names, and relays the response with the instance
// identity stamped in.
func (g *Gateway) detail(desc detailDescriptor) echo.HandlerFunc {
	return func(c echo.Context) error {
		inst, localID, err := g.resolveRef(c, c.Param(desc.param), desc.ambiguous)
		if err != nil {
			return g.fail(c, err)
		}

		status, body, ct, err := g.fetchRaw(c.Request().Context(), inst, desc.path(localID),
			downstreamQuery(c), bearerOf(c), requestIDOf(c))
		if err != nil {
			return g.failAll(c, []FailedInstance{failureOf(inst.InstanceID, err)})
		}
		if status != http.StatusOK {
			if ct == "" {
				ct = echo.MIMEApplicationJSON
			}
			return c.Blob(status, ct, body)
		}

		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var payload map[string]any
		if err := dec.Decode(&payload); err != nil {
			return g.fail(c, syncerr.New(syncerr.CodeInvalidDownstreamResponse, http.StatusBadGateway,
				"instance %s returned an unparseable body", inst.InstanceID))
		}
		payload["instanceId"] = inst.InstanceID
		payload["instanceLabel"] = inst.Label
		return c.JSON(http.StatusOK, payload)
	}
}
