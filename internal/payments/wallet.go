// Package payments verifies payment proofs against a wallet-connect
// service reachable over a relay: requests are sealed to the wallet's
// key, responses sealed back to ours.
package payments

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/noah-isme/space-intake-api/internal/wire"
)

var (
	// ErrProofDecode marks a payment proof that could not be decoded.
	ErrProofDecode = errors.New("malformed payment proof")
	// ErrLookup marks a wallet that answered with an error or not at all.
	ErrLookup = errors.New("settlement lookup failed")
)

var hash64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Relay is the single-relay surface the wallet client needs.
type Relay interface {
	Publish(ctx context.Context, ev *wire.Event) error
	Subscribe(ctx context.Context, filter wire.Filter) (<-chan wire.Event, func(), error)
}

// Wallet talks to one wallet-connect service.
type Wallet struct {
	pubkey  string
	seed    []byte
	signer  *wire.Signer
	relay   Relay
	timeout time.Duration
}

// proof is the decoded shape of an applicant-submitted payment proof.
type proof struct {
	PaymentHash string `json:"payment_hash"`
}

type walletRequest struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

type walletResponse struct {
	Error  string `json:"error,omitempty"`
	Result struct {
		Settled bool   `json:"settled"`
		Invoice string `json:"invoice,omitempty"`
	} `json:"result"`
}

// NewWallet parses a wallet-connect URL of the form
// walletconnect://<wallet-pubkey>?relay=<url>&secret=<hex seed> and binds
// it to a relay connection supplied by the caller.
func NewWallet(rawURL string, relay Relay, timeout time.Duration) (*Wallet, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse wallet url: %w", err)
	}
	if u.Scheme != "walletconnect" {
		return nil, fmt.Errorf("unsupported wallet url scheme %q", u.Scheme)
	}
	pubkey := u.Host
	if !hash64.MatchString(pubkey) {
		return nil, errors.New("wallet url: malformed wallet pubkey")
	}
	seed, err := hex.DecodeString(u.Query().Get("secret"))
	if err != nil || len(seed) != 32 {
		return nil, errors.New("wallet url: secret must be 64 hex characters")
	}
	if u.Query().Get("relay") == "" {
		return nil, errors.New("wallet url: missing relay")
	}
	signer, err := wire.NewSigner(seed)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Wallet{pubkey: pubkey, seed: seed, signer: signer, relay: relay, timeout: timeout}, nil
}

// RelayURL extracts the relay address from a wallet-connect URL so the
// caller can pick the connection for NewWallet.
func RelayURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse wallet url: %w", err)
	}
	relay := u.Query().Get("relay")
	if relay == "" {
		return "", errors.New("wallet url: missing relay")
	}
	return relay, nil
}

// DecodeProof extracts the payment identifier from an applicant-submitted
// proof token.
func DecodeProof(raw string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", ErrProofDecode
	}
	var p proof
	if err := json.Unmarshal(decoded, &p); err != nil {
		return "", ErrProofDecode
	}
	if !hash64.MatchString(p.PaymentHash) {
		return "", ErrProofDecode
	}
	return p.PaymentHash, nil
}

// LookupSettlement asks the wallet whether the payment identified by hash
// has settled.
func (w *Wallet) LookupSettlement(ctx context.Context, paymentHash string) (bool, error) {
	resp, err := w.roundTrip(ctx, walletRequest{
		Method: "lookup_invoice",
		Params: map[string]interface{}{"payment_hash": paymentHash},
	})
	if err != nil {
		return false, err
	}
	return resp.Result.Settled, nil
}

// MakeInvoice requests a fresh invoice for the given amount.
func (w *Wallet) MakeInvoice(ctx context.Context, amountMsat int64, description string) (string, error) {
	resp, err := w.roundTrip(ctx, walletRequest{
		Method: "make_invoice",
		Params: map[string]interface{}{"amount": amountMsat, "description": description},
	})
	if err != nil {
		return "", err
	}
	if resp.Result.Invoice == "" {
		return "", fmt.Errorf("%w: wallet returned no invoice", ErrLookup)
	}
	return resp.Result.Invoice, nil
}

func (w *Wallet) roundTrip(ctx context.Context, req walletRequest) (*walletResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	// Subscribe before publishing so the response cannot slip past us.
	events, stop, err := w.relay.Subscribe(ctx, wire.Filter{
		Kinds:   []int{wire.KindWalletResponse},
		Targets: []string{w.signer.Pubkey()},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookup, err)
	}
	defer stop()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	sealed, err := wire.Seal(w.pubkey, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookup, err)
	}
	ev := &wire.Event{
		Kind:    wire.KindWalletRequest,
		Content: sealed,
		Tags:    [][]string{{"p", w.pubkey}},
	}
	if err := w.signer.Sign(ev); err != nil {
		return nil, err
	}
	if err := w.relay.Publish(ctx, ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookup, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no response from wallet", ErrLookup)
		case respEv, open := <-events:
			if !open {
				return nil, fmt.Errorf("%w: relay connection lost", ErrLookup)
			}
			if respEv.TagValue("e") != ev.ID {
				continue
			}
			plaintext, err := wire.Open(w.seed, respEv.Content)
			if err != nil {
				continue
			}
			var resp walletResponse
			if err := json.Unmarshal(plaintext, &resp); err != nil {
				continue
			}
			if resp.Error != "" {
				return nil, fmt.Errorf("%w: %s", ErrLookup, resp.Error)
			}
			return &resp, nil
		}
	}
}
