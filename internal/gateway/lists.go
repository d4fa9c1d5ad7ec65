package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/config"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	// maxPagesPerInstance bounds the paged fetch when a caller asks
	// for a deep offset against a large instance.
	maxPagesPerInstance = 100
)

// listDescriptor tells the merge machinery how to read one console
// list: where it lives, which field is the local id, and what the
// injected federated fields are called.
type listDescriptor struct {
	path       string
	itemsKey   string
	idField    string
	fedField   string
	localField string
	timeField  string
	paged      bool
}

var (
	commitsList = listDescriptor{
		path:       "/console/commits",
		itemsKey:   "commits",
		idField:    "commitSeq",
		fedField:   "federatedCommitId",
		localField: "localCommitSeq",
		timeField:  "createdAt",
		paged:      true,
	}
	clientsList = listDescriptor{
		path:       "/console/clients",
		itemsKey:   "clients",
		idField:    "clientId",
		fedField:   "federatedClientId",
		localField: "localClientId",
		timeField:  "updatedAt",
		paged:      true,
	}
	timelineList = listDescriptor{
		path:      "/console/timeline",
		itemsKey:  "items",
		idField:   "localId",
		fedField:  "federatedId",
		timeField: "timestamp",
		paged:     true,
	}
	operationsList = listDescriptor{
		path:       "/console/operations",
		itemsKey:   "operations",
		idField:    "operationId",
		fedField:   "federatedOperationId",
		localField: "localOperationId",
		timeField:  "createdAt",
		paged:      true,
	}
	eventsList = listDescriptor{
		path:       "/console/events",
		itemsKey:   "events",
		idField:    "eventId",
		fedField:   "federatedEventId",
		localField: "localEventId",
		timeField:  "createdAt",
		paged:      true,
	}
	// API keys come back whole from an instance, so no paging loop.
	apiKeysList = listDescriptor{
		path:       "/console/api-keys",
		itemsKey:   "keys",
		idField:    "keyId",
		fedField:   "federatedKeyId",
		localField: "localKeyId",
		timeField:  "createdAt",
	}
)

// listPage clamps the caller's paging parameters the same way the
// instance console does.
func listPage(c echo.Context) (limit, offset int) {
	limit = defaultListLimit
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if v, err := strconv.Atoi(c.QueryParam("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// fetchList pulls up to need items from one instance, paging until the
// instance runs dry. Returns the items plus the instance's own total.
func (g *Gateway) fetchList(ctx context.Context, inst config.Instance, desc listDescriptor, need int, query url.Values, bearer, requestID string) ([]map[string]any, int64, error) {
	var items []map[string]any
	var total int64

	for page := 0; page < maxPagesPerInstance; page++ {
		ask := need - len(items)
		if ask <= 0 {
			break
		}
		if ask > maxListLimit {
			ask = maxListLimit
		}

		q := url.Values{}
		for k, vs := range query {
			q[k] = vs
		}
		q.Set("limit", strconv.Itoa(ask))
		q.Set("offset", strconv.Itoa(len(items)))

		var raw map[string]json.RawMessage
		if err := g.fetchJSON(ctx, inst, desc.path, q, bearer, requestID, &raw); err != nil {
			return nil, 0, err
		}

		dec := json.NewDecoder(bytes.NewReader(raw[desc.itemsKey]))
		dec.UseNumber()
		var batch []map[string]any
		if err := dec.Decode(&batch); err != nil {
			return nil, 0, &downstreamError{reason: "invalid JSON response"}
		}
		if t, ok := raw["total"]; ok {
			if err := json.Unmarshal(t, &total); err != nil {
				return nil, 0, &downstreamError{reason: "invalid JSON response"}
			}
		}

		items = append(items, batch...)
		if len(batch) < ask || !desc.paged {
			break
		}
	}
	return items, total, nil
}

// mergedItem carries the sort keys alongside the tagged item.
type mergedItem struct {
	item       map[string]any
	ts         time.Time
	instanceID string
	localID    string
}

// tagItems stamps the instance identity and federated id fields onto
// every item from one instance.
func tagItems(items []map[string]any, inst config.Instance, desc listDescriptor) []mergedItem {
	out := make([]mergedItem, 0, len(items))
	for _, it := range items {
		local := formatID(it[desc.idField])
		it["instanceId"] = inst.InstanceID
		it["instanceLabel"] = inst.Label
		it[desc.fedField] = inst.InstanceID + ":" + local
		if desc.localField != "" {
			it[desc.localField] = it[desc.idField]
		}
		out = append(out, mergedItem{
			item:       it,
			ts:         parseItemTime(it[desc.timeField]),
			instanceID: inst.InstanceID,
			localID:    local,
		})
	}
	return out
}

// mergedList fans a list read out to the selected instances, merges
// the pages newest first, and returns the window the caller asked for.
// The total is the sum of the instance totals, so paging stays
// consistent even though items interleave.
func (g *Gateway) mergedList(desc listDescriptor) echo.HandlerFunc {
	return func(c echo.Context) error {
		insts, err := g.selected(c)
		if err != nil {
			return g.fail(c, err)
		}
		limit, offset := listPage(c)
		need := offset + limit
		bearer := bearerOf(c)
		query := downstreamQuery(c)
		reqID := requestIDOf(c)

		type listResult struct {
			items []map[string]any
			total int64
		}
		results := fanOut(c.Request().Context(), insts, func(ctx context.Context, inst config.Instance) (listResult, error) {
			items, total, err := g.fetchList(ctx, inst, desc, need, query, bearer, reqID)
			return listResult{items: items, total: total}, err
		})
		ok, failed := splitResults(results)
		if len(ok) == 0 {
			return g.failAll(c, failed)
		}

		var merged []mergedItem
		var total int64
		for _, r := range ok {
			merged = append(merged, tagItems(r.value.items, r.instance, desc)...)
			total += r.value.total
		}

		sort.SliceStable(merged, func(i, j int) bool {
			a, b := merged[i], merged[j]
			if !a.ts.Equal(b.ts) {
				return a.ts.After(b.ts)
			}
			if a.instanceID != b.instanceID {
				return a.instanceID < b.instanceID
			}
			return compareIDs(a.localID, b.localID) > 0
		})

		page := merged
		if offset >= len(page) {
			page = nil
		} else {
			end := offset + limit
			if end > len(page) {
				end = len(page)
			}
			page = page[offset:end]
		}

		items := make([]map[string]any, len(page))
		for i, m := range page {
			items[i] = m.item
		}
		return c.JSON(http.StatusOK, envelope(map[string]any{
			desc.itemsKey: items,
			"total":       total,
		}, failed))
	}
}

// formatID renders a decoded JSON id for use inside a federated id.
func formatID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case json.Number:
		return id.String()
	case float64:
		if id == math.Trunc(id) {
			return strconv.FormatInt(int64(id), 10)
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// compareIDs orders local ids numerically when both sides are
// integers, falling back to lexicographic order.
func compareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func parseItemTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
