// Package prodis is a minimal client for the provisioning service's customer
// resource: read a customer's opaque CustomerData and write it back with a new
// network recording quota.
package prodis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// Namespace is the XML namespace of the customer resource.
const Namespace = "urn:eventis:crm:2.0"

// ErrNoCustomerData is returned when a customer document lacks CustomerData.
var ErrNoCustomerData = errors.New("customer document has no CustomerData element")

// StatusError reports a non-success HTTP status from the provisioning service.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("prodis %s %s returned %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Client provides HTTP access to the provisioning service.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// NewClient creates a client for the customer collection at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		URL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) customerURL(id string) string {
	return c.URL + "/" + url.PathEscape(id)
}

// FetchRecord returns the CustomerData blob of customer id. Anything but a
// 200 response is an error.
func (c *Client) FetchRecord(ctx context.Context, id string) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, c.customerURL(id), nil)
	if err != nil {
		return "", fmt.Errorf("fetch customer %s: %w", id, err)
	}
	data, err := ParseCustomerData(body)
	if err != nil {
		return "", fmt.Errorf("fetch customer %s: %w", id, err)
	}
	return data, nil
}

// SubmitQuota writes quota minutes for customer id, passing record through
// unchanged.
func (c *Client) SubmitQuota(ctx context.Context, id, record string, minutes int) error {
	payload, err := BuildCustomerXML(id, record, minutes)
	if err != nil {
		return fmt.Errorf("build customer %s document: %w", id, err)
	}
	if _, err := c.doRequest(ctx, http.MethodPut, c.customerURL(id), payload); err != nil {
		return fmt.Errorf("submit quota for customer %s: %w", id, err)
	}
	return nil
}

// doRequest executes a request and returns the body of a 200 response.
func (c *Client) doRequest(ctx context.Context, method, apiURL string, body []byte) ([]byte, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("prodis URL not configured")
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/xml")
	req.Header.Set("User-Agent", "kroket-quota/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/xml")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			Method:     method,
			URL:        apiURL,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), 200),
		}
	}
	return respBody, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ParseCustomerData extracts the CustomerData text from a customer document.
func ParseCustomerData(body []byte) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return "", fmt.Errorf("parse customer document: %w", err)
	}
	el := doc.FindElement("//CustomerData")
	if el == nil {
		return "", ErrNoCustomerData
	}
	return el.Text(), nil
}

// BuildCustomerXML renders the PUT body for customer id.
func BuildCustomerXML(id, record string, minutes int) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)

	c := doc.CreateElement("Customer")
	c.CreateAttr("id", id)
	c.CreateAttr("xmlns", Namespace)
	c.CreateAttr("xmlns:xsd", "http://www.w3.org/2001/XMLSchema")
	c.CreateAttr("xmlns:xsi", "http://www.w3.org/2001/XMLSchema-instance")
	c.CreateElement("NPVRQuota").SetText(strconv.Itoa(minutes))
	c.CreateElement("CustomerData").SetText(record)

	doc.Indent(4)
	return doc.WriteToBytes()
}
