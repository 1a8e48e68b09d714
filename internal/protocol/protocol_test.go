package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/domain"
)

func testBuilder(id string) (*Builder, *clock.ManualClock) {
	clk := clock.NewManualClock()
	b := NewBuilder(
		Identity{SubscriberID: id, URI: "https://" + id + ".example/trade"},
		BuilderConfig{},
		clk,
		clock.NewSequenceGenerator(id),
	)
	return b, clk
}

func TestNewRequestStampsContext(t *testing.T) {
	b, clk := testBuilder("bap")

	env, err := b.NewRequest(ActionDiscover, "", DiscoverBody{})
	require.NoError(t, err)
	require.NoError(t, env.Validate())

	assert.Equal(t, Version, env.Context.Version)
	assert.Equal(t, ActionDiscover, env.Context.Action)
	assert.Equal(t, clk.Now().UTC(), env.Context.Timestamp)
	assert.Equal(t, "bap-1", env.Context.TransactionID)
	assert.Equal(t, "bap-2", env.Context.MessageID)
	assert.Equal(t, "bap", env.Context.BapID)
	assert.Equal(t, "https://bap.example/trade", env.Context.BapURI)
	assert.Equal(t, "energy:trade", env.Context.Domain)
	assert.Equal(t, "PT30S", env.Context.TTL)
	assert.Empty(t, env.Context.BppID)
}

func TestNewRequestKeepsTransaction(t *testing.T) {
	b, _ := testBuilder("bap")

	first, err := b.NewRequest(ActionSelect, "txn-9", SelectBody{OfferID: "offer-1", Qty: 3})
	require.NoError(t, err)
	second, err := b.NewRequest(ActionInit, "txn-9", InitBody{OfferID: "offer-1", Qty: 3})
	require.NoError(t, err)

	assert.Equal(t, "txn-9", first.Context.TransactionID)
	assert.Equal(t, "txn-9", second.Context.TransactionID)
	assert.NotEqual(t, first.Context.MessageID, second.Context.MessageID)
}

func TestReplyKeepsCorrelationIDs(t *testing.T) {
	bap, _ := testBuilder("bap")
	bpp, clk := testBuilder("bpp")
	clk.Advance(45 * time.Second)

	req, err := bap.NewRequest(ActionSelect, "txn-1", SelectBody{OfferID: "offer-1", Qty: 2})
	require.NoError(t, err)

	resp, err := bpp.Reply(req, ActionOnSelect, OnSelectBody{OfferID: "offer-1"})
	require.NoError(t, err)
	require.NoError(t, resp.Validate())

	assert.Equal(t, req.Context.MessageID, resp.Context.MessageID)
	assert.Equal(t, req.Context.TransactionID, resp.Context.TransactionID)
	assert.Equal(t, ActionOnSelect, resp.Context.Action)
	assert.Equal(t, "bap", resp.Context.BapID)
	assert.Equal(t, "bpp", resp.Context.BppID)
	assert.Equal(t, "https://bpp.example/trade", resp.Context.BppURI)
	assert.Equal(t, clk.Now().UTC(), resp.Context.Timestamp)
	assert.False(t, resp.Faulted())
}

func TestFailBuildsErrorResponse(t *testing.T) {
	bap, _ := testBuilder("bap")
	bpp, _ := testBuilder("bpp")

	req, err := bap.NewRequest(ActionConfirm, "txn-2", ConfirmBody{OrderID: "ord-1"})
	require.NoError(t, err)

	resp := bpp.Fail(req, "ERROR_NO_BLOCK", "no hold exists for this trade")
	require.NoError(t, resp.Validate())

	assert.True(t, resp.Faulted())
	assert.Equal(t, ActionOnConfirm, resp.Context.Action)
	assert.Equal(t, req.Context.MessageID, resp.Context.MessageID)
	assert.Equal(t, "ERROR_NO_BLOCK", resp.Error.Code)
	assert.Nil(t, resp.Message)

	err = resp.Decode(&OnConfirmBody{})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestResponseAction(t *testing.T) {
	assert.Equal(t, ActionOnDiscover, ResponseAction(ActionDiscover))
	assert.Equal(t, ActionOnCancel, ResponseAction(ActionCancel))
	assert.Equal(t, ActionOnStatus, ResponseAction(ActionOnStatus))
	assert.Equal(t, ActionSubmitProofs, ResponseAction(ActionSubmitProofs))
}

func TestValidateRejectsIncompleteContext(t *testing.T) {
	b, _ := testBuilder("bap")

	env, err := b.NewRequest(ActionStatus, "txn-3", StatusBody{OrderID: "ord-1"})
	require.NoError(t, err)

	env.Context.MessageID = ""
	err = env.Validate()
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestValidateRequiresPayload(t *testing.T) {
	b, _ := testBuilder("bap")

	env, err := b.NewRequest(ActionStatus, "txn-4", StatusBody{OrderID: "ord-1"})
	require.NoError(t, err)

	env.Message = nil
	err = env.Validate()
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestDecodeTypedBody(t *testing.T) {
	b, _ := testBuilder("bap")

	env, err := b.NewRequest(ActionInit, "txn-5", InitBody{OfferID: "offer-7", Qty: 4, BuyerID: "buyer-1"})
	require.NoError(t, err)

	var body InitBody
	require.NoError(t, env.Decode(&body))
	assert.Equal(t, "offer-7", body.OfferID)
	assert.Equal(t, int64(4), body.Qty)
	assert.Equal(t, "buyer-1", body.BuyerID)
}

func TestRawPreservesUnknownFields(t *testing.T) {
	in := []byte(`{
		"context": {
			"version": "1.1.0", "action": "select", "timestamp": "2025-06-01T00:00:00Z",
			"message_id": "m-1", "transaction_id": "t-1",
			"bap_id": "bap", "bap_uri": "https://bap.example", "domain": "energy:trade"
		},
		"message": {"offer_id": "offer-1", "qty": 2, "vendor_hint": "rooftop"}
	}`)

	var env Envelope
	require.NoError(t, json.Unmarshal(in, &env))
	require.NoError(t, env.Validate())

	raw, err := env.Raw()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "vendor_hint")
}

func TestLocalTransportDispatches(t *testing.T) {
	bap, _ := testBuilder("bap")
	bpp, _ := testBuilder("bpp")

	local := NewLocal(HandlerFunc(func(_ context.Context, env *Envelope) (*Envelope, error) {
		return bpp.Reply(env, ResponseAction(env.Context.Action), OnStatusBody{})
	}))

	req, err := bap.NewRequest(ActionStatus, "txn-6", StatusBody{OrderID: "ord-2"})
	require.NoError(t, err)

	resp, err := local.Send(context.Background(), "", req)
	require.NoError(t, err)
	assert.Equal(t, ActionOnStatus, resp.Context.Action)
	assert.Equal(t, req.Context.MessageID, resp.Context.MessageID)
}

func TestLocalTransportRejectsInvalid(t *testing.T) {
	local := NewLocal(HandlerFunc(func(_ context.Context, env *Envelope) (*Envelope, error) {
		t.Fatal("handler must not run")
		return nil, nil
	}))

	_, err := local.Send(context.Background(), "", &Envelope{})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

type staticSigner struct{}

func (staticSigner) Sign(payload []byte) (string, string, error) {
	return "Signature keyId=test", "Signature keyId=gateway", nil
}

func TestHTTPTransportRoundtrip(t *testing.T) {
	bap, _ := testBuilder("bap")
	bpp, _ := testBuilder("bpp")

	var gotAuth, gotGateway string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotGateway = r.Header.Get("X-Gateway-Authorization")

		var env Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		resp, err := bpp.Reply(&env, ResponseAction(env.Context.Action), OnSelectBody{OfferID: "offer-1"})
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	transport := NewHTTP(HTTPConfig{Timeout: 2 * time.Second}, staticSigner{}, zerolog.Nop())

	req, err := bap.NewRequest(ActionSelect, "txn-7", SelectBody{OfferID: "offer-1", Qty: 1})
	require.NoError(t, err)

	resp, err := transport.Send(context.Background(), srv.URL, req)
	require.NoError(t, err)
	assert.Equal(t, ActionOnSelect, resp.Context.Action)
	assert.Equal(t, req.Context.MessageID, resp.Context.MessageID)
	assert.Equal(t, "Signature keyId=test", gotAuth)
	assert.Equal(t, "Signature keyId=gateway", gotGateway)
}

func TestHTTPTransportPeerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	bap, _ := testBuilder("bap")
	transport := NewHTTP(HTTPConfig{}, nil, zerolog.Nop())

	req, err := bap.NewRequest(ActionStatus, "txn-8", StatusBody{OrderID: "ord-3"})
	require.NoError(t, err)

	_, err = transport.Send(context.Background(), srv.URL, req)
	require.Error(t, err)
	assert.True(t, domain.IsTransport(err))
}
