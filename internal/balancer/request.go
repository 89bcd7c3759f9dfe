package balancer

import (
	"errors"
	"net/url"
	"strings"

	"chaingate/internal/endpoints"
)

// searchRecordsPath is where Tendermint tx_search responses list matching transactions.
const searchRecordsPath = "result.txs"

// Request describes one logical upstream call. For REST, Path is appended to the
// endpoint address. For RPC, Path is the method name and the call is built as
// {address}/{method}?k=v. Variants are alternative parameter sets merged over
// Params and tried in order on each endpoint.
type Request struct {
	Protocol    endpoints.Protocol
	Path        string
	Params      map[string]string
	Variants    []map[string]string
	RequirePath string
}

// RESTRequest builds a REST request for path, which may carry its own query string.
func RESTRequest(path string) Request {
	return Request{Protocol: endpoints.ProtocolAPI, Path: path}
}

// RPCRequest builds an RPC method call.
func RPCRequest(method string, params map[string]string) Request {
	return Request{Protocol: endpoints.ProtocolRPC, Path: method, Params: params}
}

// RPCSearchRequest builds an RPC search that succeeds only when result.txs is
// non-empty. Each variant is tried in turn, since chains differ in the query
// syntax they accept.
func RPCSearchRequest(method string, params map[string]string, variants []map[string]string) Request {
	return Request{
		Protocol:    endpoints.ProtocolRPC,
		Path:        method,
		Params:      params,
		Variants:    variants,
		RequirePath: searchRecordsPath,
	}
}

func (r Request) variantCount() int {
	return max(1, len(r.Variants))
}

// URL builds the target for address using the given variant index.
func (r Request) URL(address string, variant int) (string, error) {
	if address == "" {
		return "", errors.New("empty endpoint address")
	}
	base := strings.TrimRight(address, "/")

	query := url.Values{}
	for k, v := range r.Params {
		query.Set(k, v)
	}
	if variant < len(r.Variants) {
		for k, v := range r.Variants[variant] {
			query.Set(k, v)
		}
	}

	var target string
	if r.Protocol == endpoints.ProtocolRPC {
		target = base + "/" + strings.TrimLeft(r.Path, "/")
	} else {
		path := r.Path
		if path != "" && !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		target = base + path
	}

	if len(query) == 0 {
		return target, nil
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + query.Encode(), nil
}
