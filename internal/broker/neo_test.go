package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nifty_dipper/internal/models"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Status: 429, Body: "too many requests"}
	want := "API error 429: too many requests"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestWithBaseURL_Normalization(t *testing.T) {
	api := NewNeoAPI("key", "9999999999", "pw", "123456")
	if api.baseURL != defaultBaseURL {
		t.Fatalf("default baseURL = %q, want %q", api.baseURL, defaultBaseURL)
	}

	api.WithBaseURL("https://example.test/api/")
	if api.baseURL != "https://example.test/api" {
		t.Fatalf("baseURL = %q, want trailing slash trimmed", api.baseURL)
	}

	api.WithBaseURL("")
	if api.baseURL != "https://example.test/api" {
		t.Fatalf("empty override must be ignored, got %q", api.baseURL)
	}
}

func newTestAPIWithServer(handler http.HandlerFunc) (*NeoAPI, *httptest.Server) {
	s := httptest.NewServer(handler)
	api := NewNeoAPI("access-key", "9999999999", "pw", "123456").WithBaseURL(s.URL)
	api = api.WithHTTPClient(s.Client())
	return api, s
}

// setSession shortcuts the two-step login for endpoint tests.
func setSession(api *NeoAPI, token, sid string) {
	api.mu.Lock()
	api.token = token
	api.sid = sid
	api.mu.Unlock()
}

func TestLogin_TwoStepValidate(t *testing.T) {
	var calls int
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != loginPath {
			t.Fatalf("path = %s, want %s", r.URL.Path, loginPath)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access-key" {
			t.Fatalf("Authorization = %q", got)
		}

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding login body: %v", err)
		}
		switch calls {
		case 1:
			if body["password"] != "pw" {
				t.Fatalf("first step must carry the password, got %v", body)
			}
			if r.Header.Get("Auth") != "" {
				t.Fatal("first step must not send a session header")
			}
			_, _ = w.Write([]byte(`{"stat":"Ok","data":{"token":"view-token"}}`))
		case 2:
			if body["mpin"] != "123456" {
				t.Fatalf("second step must carry the mpin, got %v", body)
			}
			if got := r.Header.Get("Auth"); got != "view-token" {
				t.Fatalf("second step Auth = %q, want the view token", got)
			}
			_, _ = w.Write([]byte(`{"stat":"Ok","data":{"token":"session-token","sid":"sid-1"}}`))
		default:
			t.Fatalf("unexpected call %d", calls)
		}
	})
	defer srv.Close()

	if err := api.Login(context.Background()); err != nil {
		t.Fatalf("Login error: %v", err)
	}
	token, sid := api.WSToken()
	if token != "session-token" || sid != "sid-1" {
		t.Fatalf("WSToken = (%q, %q), want session credentials", token, sid)
	}
}

func TestLogin_MissingSessionIsAuthError(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"stat":"Ok","data":{}}`))
	})
	defer srv.Close()

	err := api.Login(context.Background())
	if !models.IsKind(err, models.KindAuthExpired) {
		t.Fatalf("kind = %v, want auth_expired (err: %v)", models.KindOf(err), err)
	}
}

func TestPlaceOrder_RequestValidation(t *testing.T) {
	api := NewNeoAPI("k", "m", "p", "mp")

	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"missing symbol", OrderRequest{Quantity: 1, Side: SideBuy, Type: TypeMarket}},
		{"zero quantity", OrderRequest{Symbol: "RELIANCE-EQ", Side: SideBuy, Type: TypeMarket}},
		{"bad side", OrderRequest{Symbol: "RELIANCE-EQ", Quantity: 1, Side: "HOLD", Type: TypeMarket}},
		{"limit without price", OrderRequest{Symbol: "RELIANCE-EQ", Quantity: 1, Side: SideBuy, Type: TypeLimit}},
		{"bad type", OrderRequest{Symbol: "RELIANCE-EQ", Quantity: 1, Side: SideBuy, Type: "STOP"}},
		{"bad variety", OrderRequest{Symbol: "RELIANCE-EQ", Quantity: 1, Side: SideBuy, Type: TypeMarket, Variety: "BRACKET"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := api.PlaceOrder(context.Background(), tt.req)
			if !models.IsKind(err, models.KindBrokerReject) {
				t.Fatalf("kind = %v, want broker_reject (err: %v)", models.KindOf(err), err)
			}
		})
	}
}

func TestPlaceOrder_Success(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != placeOrderPath {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Auth"); got != "jwt" {
			t.Fatalf("Auth = %q, want session token", got)
		}
		if got := r.Header.Get("Sid"); got != "sid-1" {
			t.Fatalf("Sid = %q", got)
		}

		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		want := map[string]string{
			"am": "YES", "es": "nse_cm", "pc": "CNC", "pr": "2480.50",
			"pt": "L", "qt": "40", "rt": "DAY", "ts": "RELIANCE-EQ", "tt": "S",
		}
		for k, v := range want {
			if body[k] != v {
				t.Errorf("body[%s] = %q, want %q", k, body[k], v)
			}
		}
		_, _ = w.Write([]byte(`{"stat":"Ok","data":{"nOrdNo":"240826000001"}}`))
	})
	defer srv.Close()
	setSession(api, "jwt", "sid-1")

	ack, err := api.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "RELIANCE-EQ", Side: SideSell, Type: TypeLimit,
		Price: 2480.5, Quantity: 40, Variety: VarietyAMO,
	})
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	if ack.OrderID != "240826000001" {
		t.Fatalf("OrderID = %q", ack.OrderID)
	}
}

func TestPlaceOrder_NotOkEnvelopeClassified(t *testing.T) {
	// The broker reports rejections with HTTP 200 and stat=Not_Ok.
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"stat":"Not_Ok","errMsg":"Insufficient funds for order value"}`))
	})
	defer srv.Close()
	setSession(api, "jwt", "sid-1")

	_, err := api.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "RELIANCE-EQ", Side: SideBuy, Type: TypeMarket, Quantity: 40,
	})
	if !models.IsKind(err, models.KindInsufficientFunds) {
		t.Fatalf("kind = %v, want insufficient_funds (err: %v)", models.KindOf(err), err)
	}
}

func TestCancelOrder_AlreadyCancelledIsSuccess(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"stat":"Not_Ok","errMsg":"Order 42 is already cancelled"}`))
	})
	defer srv.Close()
	setSession(api, "jwt", "sid-1")

	ack, err := api.CancelOrder(context.Background(), "42")
	if err != nil {
		t.Fatalf("already-cancelled must be treated as success, got %v", err)
	}
	if ack.OrderID != "42" {
		t.Fatalf("OrderID = %q, want 42", ack.OrderID)
	}
}

func TestOrders_ParsesAndFilters(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != orderBookPath {
			t.Fatalf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"stat":"Ok","data":[
			{"nOrdNo":"1","trdSym":"reliance-eq","trnsTp":"S","prcTp":"L","prc":"2480.00","qty":40,"fldQty":0,"ordSt":"open","avgPrc":"0.00","ordDtTm":"26-Aug-2026 10:15:00"},
			{"nOrdNo":"2","trdSym":"TCS-EQ","trnsTp":"B","prcTp":"MKT","prc":"0.00","qty":30,"fldQty":30,"ordSt":"complete","avgPrc":"3005.00","ordDtTm":"26-Aug-2026 09:16:02"}
		]}`))
	})
	defer srv.Close()
	setSession(api, "jwt", "sid-1")

	orders, err := api.Orders(context.Background(), OrderFilter{Side: SideSell})
	if err != nil {
		t.Fatalf("Orders error: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("filtered orders = %d, want 1", len(orders))
	}
	o := orders[0]
	if o.OrderID != "1" || o.TradingSymbol != "RELIANCE-EQ" || o.Type != TypeLimit {
		t.Fatalf("order = %+v", o)
	}
	if o.Status != StatusOpen {
		t.Fatalf("status = %q, want %q", o.Status, StatusOpen)
	}
	if o.UpdatedAt.IsZero() || o.UpdatedAt.Hour() != 10 {
		t.Fatalf("UpdatedAt = %s, want 10:15 IST", o.UpdatedAt)
	}
}

func TestOrders_SingleObjectData(t *testing.T) {
	// Some endpoints collapse one-row results into a bare object.
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"stat":"Ok","data":{"nOrdNo":"9","trdSym":"INFY-EQ","trnsTp":"B","prcTp":"L","prc":"1500.00","qty":10,"fldQty":0,"ordSt":"open","avgPrc":"0.00","ordDtTm":""}}`))
	})
	defer srv.Close()
	setSession(api, "jwt", "sid-1")

	orders, err := api.Orders(context.Background(), OrderFilter{})
	if err != nil {
		t.Fatalf("Orders error: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != "9" {
		t.Fatalf("orders = %+v, want the single INFY row", orders)
	}
}

func TestOrderStatus_LastHistoryRowWins(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != orderHistoryPath {
			t.Fatalf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"stat":"Ok","data":[
			{"nOrdNo":"7","trdSym":"RELIANCE-EQ","trnsTp":"S","prcTp":"L","prc":"2480.00","qty":40,"fldQty":0,"ordSt":"open","avgPrc":"0.00","ordDtTm":"26-Aug-2026 10:15:00"},
			{"nOrdNo":"7","trdSym":"RELIANCE-EQ","trnsTp":"S","prcTp":"L","prc":"2480.00","qty":40,"fldQty":40,"ordSt":"traded","avgPrc":"2480.15","ordDtTm":"26-Aug-2026 11:02:11"}
		]}`))
	})
	defer srv.Close()
	setSession(api, "jwt", "sid-1")

	o, err := api.OrderStatus(context.Background(), "7")
	if err != nil {
		t.Fatalf("OrderStatus error: %v", err)
	}
	if o.Status != StatusComplete {
		t.Fatalf("status = %q, want the final traded row", o.Status)
	}
	if o.ExecPrice != 2480.15 || o.FilledQuantity != 40 {
		t.Fatalf("order = %+v", o)
	}
}

func TestQuote_EmptyDataIsInsufficientData(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "symbol=DELISTED-EQ") {
			t.Fatalf("missing symbol query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"stat":"Ok","data":[]}`))
	})
	defer srv.Close()
	setSession(api, "jwt", "sid-1")

	_, err := api.Quote(context.Background(), "DELISTED-EQ")
	if !models.IsKind(err, models.KindInsufficientData) {
		t.Fatalf("kind = %v, want insufficient_data (err: %v)", models.KindOf(err), err)
	}
}

func TestDoRequest_HTTPStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   models.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, "unauthorized", models.KindAuthExpired},
		{"expired jwt in body", http.StatusBadRequest, `{"message":"Invalid JWT token"}`, models.KindAuthExpired},
		{"rate limited", http.StatusTooManyRequests, "slow down", models.KindRateLimited},
		{"crumb throttle on 401", http.StatusUnauthorized, `{"message":"Invalid Crumb"}`, models.KindRateLimited},
		{"server error", http.StatusBadGateway, "upstream", models.KindTransient},
		{"plain reject", http.StatusBadRequest, "bad order", models.KindBrokerReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			defer srv.Close()
			setSession(api, "jwt", "sid-1")

			_, err := api.Holdings(context.Background())
			if !models.IsKind(err, tt.want) {
				t.Fatalf("kind = %v, want %v (err: %v)", models.KindOf(err), tt.want, err)
			}
		})
	}
}

func TestNormalizeOrderStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"complete", StatusComplete},
		{"Traded", StatusComplete},
		{"cancelled", StatusCancelled},
		{"Cancelled by exchange", StatusCancelled},
		{"rejected", StatusRejected},
		{"open", StatusOpen},
		{"Open Pending", StatusOpen},
		{"put order req received", StatusPending},
		{"something else", "something else"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := normalizeOrderStatus(tt.in); got != tt.want {
				t.Fatalf("normalizeOrderStatus(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
