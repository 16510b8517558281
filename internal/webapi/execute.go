package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/telemark/dvpool/internal/dataverse"
	"github.com/telemark/dvpool/internal/sentinel"
)

// ErrUnsupportedRequest indicates a request kind the client cannot dispatch.
const ErrUnsupportedRequest = sentinel.Error("unsupported request kind")

// Execute implements dataverse.Dispatcher. Service errors come back as
// *dataverse.Fault; transport errors pass through untouched.
func (c *Client) Execute(ctx context.Context, req dataverse.Request) (*dataverse.Response, error) {
	if !c.ready.Load() {
		return nil, ErrNotReady
	}

	switch r := req.(type) {
	case dataverse.CreateRequest:
		return c.create(ctx, r)
	case dataverse.RetrieveRequest:
		return c.retrieve(ctx, r)
	case dataverse.RetrieveMultipleRequest:
		return c.retrieveMultiple(ctx, r)
	case dataverse.UpdateRequest:
		return c.update(ctx, r)
	case dataverse.DeleteRequest:
		return c.delete(ctx, r)
	case dataverse.AssociateRequest:
		return c.associate(ctx, r)
	case dataverse.DisassociateRequest:
		return c.disassociate(ctx, r)
	case dataverse.ExecuteRequest:
		return c.action(ctx, r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRequest, req.Kind())
	}
}

func (c *Client) create(ctx context.Context, r dataverse.CreateRequest) (*dataverse.Response, error) {
	resp, err := c.do(ctx, http.MethodPost, c.apiBase+"/"+entitySet(r.Target.LogicalName), r.Target.Attributes)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusCreated {
		return nil, c.readFault(resp)
	}

	id, err := idFromEntityHeader(resp.Header.Get("OData-EntityId"))
	if err != nil {
		return nil, err
	}
	return &dataverse.Response{ID: id}, nil
}

// idFromEntityHeader extracts the record id from an OData-EntityId header,
// ".../accounts(9f0b...)".
func idFromEntityHeader(h string) (uuid.UUID, error) {
	open := strings.LastIndexByte(h, '(')
	end := strings.LastIndexByte(h, ')')
	if open < 0 || end < open {
		return uuid.Nil, fmt.Errorf("malformed OData-EntityId header")
	}
	id, err := uuid.Parse(h[open+1 : end])
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed OData-EntityId header: %w", err)
	}
	return id, nil
}

func (c *Client) retrieve(ctx context.Context, r dataverse.RetrieveRequest) (*dataverse.Response, error) {
	u := fmt.Sprintf("%s/%s(%s)", c.apiBase, entitySet(r.Target.LogicalName), r.Target.ID)
	if len(r.Columns) > 0 {
		u += "?$select=" + strings.Join(r.Columns, ",")
	}
	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.readFault(resp)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return &dataverse.Response{Entity: &dataverse.Entity{
		LogicalName: r.Target.LogicalName,
		ID:          r.Target.ID,
		Attributes:  stripAnnotations(raw),
	}}, nil
}

func (c *Client) retrieveMultiple(ctx context.Context, r dataverse.RetrieveMultipleRequest) (*dataverse.Response, error) {
	u := c.apiBase + "/" + r.EntitySet
	if r.Query != "" {
		u += "?" + r.Query
	}
	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.readFault(resp)
	}

	var page struct {
		Value    []map[string]any `json:"value"`
		NextLink string           `json:"@odata.nextLink"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode query page: %w", err)
	}

	out := &dataverse.Response{
		Entities: make([]dataverse.Entity, 0, len(page.Value)),
		More:     page.NextLink != "",
	}
	for _, raw := range page.Value {
		out.Entities = append(out.Entities, dataverse.Entity{
			LogicalName: r.EntitySet,
			Attributes:  stripAnnotations(raw),
		})
	}
	return out, nil
}

func (c *Client) update(ctx context.Context, r dataverse.UpdateRequest) (*dataverse.Response, error) {
	u := fmt.Sprintf("%s/%s(%s)", c.apiBase, entitySet(r.Target.LogicalName), r.Target.ID)
	resp, err := c.do(ctx, http.MethodPatch, u, r.Target.Attributes)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return nil, c.readFault(resp)
	}
	return &dataverse.Response{}, nil
}

func (c *Client) delete(ctx context.Context, r dataverse.DeleteRequest) (*dataverse.Response, error) {
	u := fmt.Sprintf("%s/%s(%s)", c.apiBase, entitySet(r.Target.LogicalName), r.Target.ID)
	resp, err := c.do(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return nil, c.readFault(resp)
	}
	return &dataverse.Response{}, nil
}

func (c *Client) associate(ctx context.Context, r dataverse.AssociateRequest) (*dataverse.Response, error) {
	u := fmt.Sprintf("%s/%s(%s)/%s/$ref", c.apiBase, entitySet(r.Target.LogicalName), r.Target.ID, r.Relationship)
	for _, rel := range r.Related {
		body := map[string]string{
			"@odata.id": fmt.Sprintf("%s/%s(%s)", c.apiBase, entitySet(rel.LogicalName), rel.ID),
		}
		resp, err := c.do(ctx, http.MethodPost, u, body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusNoContent {
			return nil, c.readFault(resp)
		}
		resp.Body.Close()
	}
	return &dataverse.Response{}, nil
}

func (c *Client) disassociate(ctx context.Context, r dataverse.DisassociateRequest) (*dataverse.Response, error) {
	u := fmt.Sprintf("%s/%s(%s)/%s(%s)/$ref",
		c.apiBase, entitySet(r.Target.LogicalName), r.Target.ID, r.Relationship, r.Related.ID)
	resp, err := c.do(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return nil, c.readFault(resp)
	}
	return &dataverse.Response{}, nil
}

func (c *Client) action(ctx context.Context, r dataverse.ExecuteRequest) (*dataverse.Response, error) {
	var body any
	if len(r.Parameters) > 0 {
		body = r.Parameters
	}
	resp, err := c.do(ctx, http.MethodPost, c.apiBase+"/"+r.Name, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return &dataverse.Response{}, nil
	case http.StatusOK:
		var results map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
			return nil, fmt.Errorf("decode action result: %w", err)
		}
		return &dataverse.Response{Results: stripAnnotations(results)}, nil
	default:
		return nil, c.readFault(resp)
	}
}

// stripAnnotations drops OData control information ("@odata.context" and
// friends) so attribute maps carry only entity data.
func stripAnnotations(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if strings.HasPrefix(k, "@") {
			continue
		}
		out[k] = v
	}
	return out
}

// entitySet derives the entity set name from a logical name using the
// standard Dataverse pluralization rules.
func entitySet(logicalName string) string {
	switch {
	case strings.HasSuffix(logicalName, "y"):
		return logicalName[:len(logicalName)-1] + "ies"
	case strings.HasSuffix(logicalName, "s"),
		strings.HasSuffix(logicalName, "x"),
		strings.HasSuffix(logicalName, "z"),
		strings.HasSuffix(logicalName, "ch"),
		strings.HasSuffix(logicalName, "sh"):
		return logicalName + "es"
	default:
		return logicalName + "s"
	}
}
