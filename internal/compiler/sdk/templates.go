package sdk

import (
	"bytes"
	"fmt"
	"go/format"
	"text/template"

	"zkgate/internal/compiler/dsl"
	dErrors "zkgate/pkg/domain-errors"
)

type fieldView struct {
	Path string
	Type string
}

type ruleView struct {
	Kind        string
	Description string
}

type templateData struct {
	UseCase     string
	Description string
	Version     string
	Private     []fieldView
	Public      []fieldView
	Rules       []ruleView
	Outputs     []string
	BaseURL     string
}

func newTemplateData(doc *dsl.Document, baseURL string) templateData {
	v := templateData{
		UseCase:     doc.UseCase,
		Description: doc.Description,
		Version:     doc.Version,
		BaseURL:     baseURL,
		Outputs:     []string{dsl.ComplianceOutput},
	}
	for _, f := range doc.PrivateInputs.Fields {
		v.Private = append(v.Private, fieldView{Path: f.Path, Type: string(f.Type)})
	}
	for _, f := range doc.PublicParams.Fields {
		v.Public = append(v.Public, fieldView{Path: f.Path, Type: string(f.Type)})
	}
	for _, r := range doc.Rules {
		desc := r.Describe()
		if desc == "" {
			desc = "-"
		}
		v.Rules = append(v.Rules, ruleView{Kind: string(r.Kind()), Description: desc})
	}
	for _, o := range doc.Outputs {
		v.Outputs = append(v.Outputs, o.Name)
	}
	return v
}

var readmeTemplate = template.Must(template.New("readme").Parse(`# {{.UseCase}} SDK

{{if .Description}}{{.Description}}

{{end}}Policy version {{.Version}}.

## Contents

- ` + "`guest/guest.go`" + `: the generated guest program. Its build is what the registry pins as the program identity.
- ` + "`policy.json`" + `: the policy document this bundle was generated from.
- ` + "`client/client.go`" + `: a Go client for the proof service at {{.BaseURL}}.

## Private inputs

| Path | Type |
|------|------|
{{range .Private}}| ` + "`{{.Path}}`" + ` | {{.Type}} |
{{end}}
## Public parameters

| Name | Type |
|------|------|
{{range .Public}}| ` + "`{{.Path}}`" + ` | {{.Type}} |
{{else}}| (none) | |
{{end}}
## Rules

{{range $i, $r := .Rules}}{{$i}}. ` + "`{{$r.Kind}}`" + `: {{$r.Description}}
{{end}}
## Outputs

{{range .Outputs}}- ` + "`{{.}}`" + `
{{end}}
## Presenting a proof

Call ` + "`client.Prove`" + ` with your private inputs and public parameters, then send the
headers from ` + "`ProveResponse.Headers`" + ` with the request to the protected service. Each
response carries a single-use token: a second request with the same token is rejected.
`))

var clientTemplate = template.Must(template.New("client").Parse(`// Code generated by zkgate. DO NOT EDIT.

// Package client requests {{.UseCase}} proofs from the zkgate proof service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	UseCase       = {{printf "%q" .UseCase}}
	PolicyVersion = {{printf "%q" .Version}}
	DefaultURL    = {{printf "%q" .BaseURL}}
)

// PrivateFields maps each private input path to its type.
var PrivateFields = map[string]string{
{{range .Private}}	{{printf "%q" .Path}}: {{printf "%q" .Type}},
{{end}}}

// PublicParams maps each public parameter to its type.
var PublicParams = map[string]string{
{{range .Public}}	{{printf "%q" .Path}}: {{printf "%q" .Type}},
{{end}}}

type Client struct {
	BaseURL  string
	TenantID string
	HTTP     *http.Client
}

func New(baseURL, tenantID string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		TenantID: tenantID,
		HTTP:     &http.Client{Timeout: time.Minute},
	}
}

type Outputs struct {
	Nullifier        string          ` + "`json:\"nullifier\"`" + `
	ComplianceResult bool            ` + "`json:\"compliance_result\"`" + `
	Metadata         json.RawMessage ` + "`json:\"metadata,omitempty\"`" + `
}

type ProveResponse struct {
	Proof           string  ` + "`json:\"proof\"`" + `
	ProgramIdentity string  ` + "`json:\"program_identity\"`" + `
	Outputs         Outputs ` + "`json:\"outputs\"`" + `
	TenantID        string  ` + "`json:\"-\"`" + `
}

// Headers returns the headers the gateway expects.
func (r *ProveResponse) Headers() http.Header {
	h := http.Header{}
	h.Set("X-Zk-Receipt", r.Proof)
	h.Set("X-Zk-Nullifier", r.Outputs.Nullifier)
	if r.TenantID != "" {
		h.Set("X-Zk-Tenant", r.TenantID)
	}
	return h
}

// Nest expands dotted paths, so {"user_data.date_of_birth": v} becomes
// {"user_data": {"date_of_birth": v}}.
func Nest(flat map[string]any) map[string]any {
	out := map[string]any{}
	for path, v := range flat {
		parts := strings.Split(path, ".")
		node := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
	}
	return out
}

// Prove requests a proof. private and public are marshalled as JSON.
func (c *Client) Prove(ctx context.Context, private, public any) (*ProveResponse, error) {
	body, err := json.Marshal(map[string]any{
		"tenant_id":      c.TenantID,
		"private_inputs": private,
		"public_params":  public,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/prove", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error       string ` + "`json:\"error\"`" + `
			Description string ` + "`json:\"error_description\"`" + `
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("prove: %s: %s (%s)", resp.Status, e.Error, e.Description)
	}
	var out ProveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out.TenantID = c.TenantID
	return &out, nil
}
`))

func renderReadme(v templateData) ([]byte, error) {
	var buf bytes.Buffer
	if err := readmeTemplate.Execute(&buf, v); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to render sdk readme")
	}
	return buf.Bytes(), nil
}

func renderClient(v templateData) ([]byte, error) {
	var buf bytes.Buffer
	if err := clientTemplate.Execute(&buf, v); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to render sdk client")
	}
	out, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, fmt.Sprintf("generated client does not format: %v", err))
	}
	return out, nil
}
