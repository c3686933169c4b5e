package rules

import (
	"bytes"
	_ "embed"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const defaultTimeout = 10 * time.Second

//go:embed ruleset.schema.json
var rulesetSchema []byte

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(rulesetSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("ruleset.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("ruleset.schema.json")
}

// HTTPClient fetches rules from GET {base}/rules.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	schema     *jsonschema.Schema
}

// NewHTTPClient creates a client for the rule service at baseURL. A zero
// timeout selects the default.
func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	sch, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		schema:     sch,
	}, nil
}

func (c *HTTPClient) Fetch(ctx context.Context) (RuleSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rules", nil)
	if err != nil {
		return RuleSet{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RuleSet{}, fmt.Errorf("rule service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RuleSet{}, fmt.Errorf("rule service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RuleSet{}, fmt.Errorf("reading rules: %w", err)
	}
	return c.decode(body)
}

func (c *HTTPClient) decode(body []byte) (RuleSet, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return RuleSet{}, fmt.Errorf("invalid rules JSON: %w", err)
	}
	if err := c.schema.Validate(inst); err != nil {
		return RuleSet{}, fmt.Errorf("rules do not match schema: %w", err)
	}
	var rs RuleSet
	if err := json.Unmarshal(body, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("decoding rules: %w", err)
	}
	return rs, nil
}
