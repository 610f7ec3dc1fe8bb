package gateway

import (
	"net"
	"net/http"
	"regexp"
	"strings"
)

// retrievalRequest is the parsed form of GET <payer>.<dns_root>/<cid>.
type retrievalRequest struct {
	Payer   string // lowercased 0x-address
	CID     string
	BotName string // "" for regular clients
}

var ethAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// parseRetrievalRequest extracts payer, CID and optional bot identity.
// Address checksum casing is tolerated; the payer is normalized to lowercase
// to match how the indexer stores it.
func (s *Server) parseRetrievalRequest(r *http.Request) (*retrievalRequest, *statusError) {
	payer, serr := s.parsePayerHost(requestHost(r))
	if serr != nil {
		return nil, serr
	}

	cid, serr := parsePieceCID(r.URL.Path)
	if serr != nil {
		return nil, serr
	}

	botName, serr := s.parseBotToken(r.Header.Get("Authorization"))
	if serr != nil {
		return nil, serr
	}

	return &retrievalRequest{
		Payer:   strings.ToLower(payer),
		CID:     cid,
		BotName: botName,
	}, nil
}

func (s *Server) parsePayerHost(host string) (string, *statusError) {
	suffix := "." + s.cfg.DNSRoot
	if !strings.HasSuffix(host, suffix) {
		return "", httpError(http.StatusBadRequest, "Invalid hostname: %s. It must end with %s.", host, suffix)
	}
	payer := strings.TrimSuffix(host, suffix)
	if payer == "" || strings.Contains(payer, ".") {
		return "", httpError(http.StatusBadRequest, "Invalid hostname: %s. It must have a single subdomain.", host)
	}
	if !ethAddressRe.MatchString(payer) {
		return "", httpError(http.StatusBadRequest, "Invalid address: %s. Address must be a valid ethereum address.", payer)
	}
	return payer, nil
}

func parsePieceCID(path string) (string, *statusError) {
	cid, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if cid == "" {
		return "", httpError(http.StatusBadRequest, "Missing required path element: `/{CID}`")
	}
	if !strings.HasPrefix(cid, "baga") && !strings.HasPrefix(cid, "bafk") {
		return "", httpError(http.StatusBadRequest, "Invalid CID: %s. It must be a valid piece CID.", cid)
	}
	return cid, nil
}

// parseBotToken maps Authorization: Bearer <token> to a configured bot name.
// No header means a regular client; a present header must resolve.
func (s *Server) parseBotToken(header string) (string, *statusError) {
	if header == "" {
		return "", nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", httpError(http.StatusUnauthorized, "Invalid Authorization header. Must use Bearer scheme.")
	}
	token = strings.TrimSpace(token)
	name, ok := s.cfg.BotTokens[token]
	if !ok {
		return "", httpError(http.StatusUnauthorized, "Unknown bot token.")
	}
	return name, nil
}

// requestHost strips any port from the Host header.
func requestHost(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
