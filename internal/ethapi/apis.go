package ethapi

import (
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

// APIs returns the namespace handlers to register on the RPC server.
func APIs(b *Backend) []rpc.API {
	return []rpc.API{
		{Namespace: "eth", Service: NewEthAPI(b)},
		{Namespace: "net", Service: NewNetAPI(b)},
		{Namespace: "web3", Service: NewWeb3API(b)},
	}
}

// NewServer builds an RPC server with every namespace registered.
func NewServer(b *Backend) (*rpc.Server, error) {
	server := rpc.NewServer()
	for _, api := range APIs(b) {
		if err := server.RegisterName(api.Namespace, api.Service); err != nil {
			return nil, err
		}
	}
	return server, nil
}

// clientIP resolves the originating address, honoring proxy headers.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WithRequestDetails attaches fresh request details to every inbound request,
// so handlers and upstream calls share one request id.
func WithRequestDetails(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rd := reqctx.New(clientIP(r))
		next.ServeHTTP(w, r.WithContext(reqctx.WithDetails(r.Context(), rd)))
	})
}
