// Package broker provides the Kotak Neo trading API client used for NSE
// cash equity orders, holdings, and market data.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nifty_dipper/internal/models"
)

const (
	defaultBaseURL = "https://gw-napi.kotaksecurities.com"
	defaultWSURL   = "wss://mlhsm.kotaksecurities.com/realtime"

	loginPath        = "/login/1.0/login/v2/validate"
	placeOrderPath   = "/Orders/2.0/quick/order/rule/ms/place"
	modifyOrderPath  = "/Orders/2.0/quick/order/vr/modify"
	cancelOrderPath  = "/Orders/2.0/quick/order/cancel"
	orderBookPath    = "/Orders/2.0/quick/user/orders"
	orderHistoryPath = "/Orders/2.0/quick/order/history"
	holdingsPath     = "/Portfolio/1.0/portfolio/v1/holdings"
	limitsPath       = "/Orders/2.0/quick/user/limits"
	quotesPath       = "/script/1.0/quotes"
	candlesPath      = "/chart/1.0/charts/historical"
	ratiosPath       = "/fundamentals/1.0/ratios"
	scripPathsPath   = "/Files/1.0/masterscrip/v1/file-paths"
)

// orderTimeLayout is the broker's order book timestamp format (IST).
const orderTimeLayout = "02-Jan-2006 15:04:05"

var istZone = loadIST()

func loadIST() *time.Location {
	if loc, err := time.LoadLocation("Asia/Kolkata"); err == nil {
		return loc
	}
	return time.FixedZone("IST", 5*3600+30*60)
}

// APIError represents an API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// NeoAPI is the HTTP client for the Kotak Neo trade API.
type NeoAPI struct {
	client      *http.Client
	baseURL     string
	wsURL       string
	accessToken string
	mobile      string
	password    string
	mpin        string
	timeout     time.Duration
	scrips      *ScripCache

	mu    sync.RWMutex
	token string // session JWT, set by Login
	sid   string
}

// NewNeoAPI creates a Neo client. Login must be called before any
// account, order, or data operation.
func NewNeoAPI(accessToken, mobile, password, mpin string) *NeoAPI {
	const defaultTimeout = 10 * time.Second
	return &NeoAPI{
		client:      &http.Client{Timeout: defaultTimeout},
		baseURL:     defaultBaseURL,
		wsURL:       defaultWSURL,
		accessToken: accessToken,
		mobile:      mobile,
		password:    password,
		mpin:        mpin,
		timeout:     defaultTimeout,
	}
}

// WithBaseURL overrides the API base URL (tests, alternate gateways).
func (n *NeoAPI) WithBaseURL(u string) *NeoAPI {
	if u != "" {
		n.baseURL = strings.TrimRight(u, "/")
	}
	return n
}

// WithWSURL overrides the streaming feed URL.
func (n *NeoAPI) WithWSURL(u string) *NeoAPI {
	if u != "" {
		n.wsURL = u
	}
	return n
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (n *NeoAPI) WithHTTPClient(c *http.Client) *NeoAPI {
	if c != nil {
		n.client = c
	}
	return n
}

// WithTimeout sets the HTTP client timeout duration.
func (n *NeoAPI) WithTimeout(timeout time.Duration) *NeoAPI {
	if timeout > 0 {
		n.timeout = timeout
		if n.client != nil {
			n.client.Timeout = timeout
		}
	}
	return n
}

// WithScripCache enables the per-trading-day scrip master file cache.
func (n *NeoAPI) WithScripCache(dir string, loc *time.Location) *NeoAPI {
	n.scrips = NewScripCache(dir, loc)
	return n
}

// ============ API Response Structures ============

// apiStatus is the envelope every JSON endpoint shares. The broker reports
// some failures with HTTP 200 and stat=Not_Ok, so callers must check it.
type apiStatus struct {
	Stat   string `json:"stat"`
	ErrMsg string `json:"errMsg"`
}

func (s apiStatus) err(op string) error {
	if s.Stat == "" || strings.EqualFold(s.Stat, "ok") {
		return nil
	}
	return classifyMessage(op, s.ErrMsg)
}

// Handle single-object vs array responses.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

type loginResponse struct {
	apiStatus
	Data struct {
		Token      string `json:"token"`
		Sid        string `json:"sid"`
		HsServerID string `json:"hsServerId"`
	} `json:"data"`
}

type orderAckResponse struct {
	apiStatus
	Data struct {
		OrderID string `json:"nOrdNo"`
	} `json:"data"`
}

// orderRow is one raw order book entry. Numeric fields arrive as strings.
type orderRow struct {
	OrderID   string  `json:"nOrdNo"`
	Symbol    string  `json:"trdSym"`
	TransType string  `json:"trnsTp"` // B | S
	PriceType string  `json:"prcTp"`  // MKT | L
	Price     float64 `json:"prc,string"`
	Quantity  int     `json:"qty"`
	FilledQty int     `json:"fldQty"`
	Status    string  `json:"ordSt"`
	AvgPrice  float64 `json:"avgPrc,string"`
	UpdatedAt string  `json:"ordDtTm"`
}

type orderBookResponse struct {
	apiStatus
	Data singleOrArray[orderRow] `json:"data"`
}

type holdingsResponse struct {
	apiStatus
	Data singleOrArray[struct {
		TradingSymbol string  `json:"trdSym"`
		Quantity      int     `json:"qty"`
		AvgPrice      float64 `json:"avgPrc,string"`
	}] `json:"data"`
}

type limitsResponse struct {
	apiStatus
	Data struct {
		Net        float64 `json:"net,string"`
		Collateral float64 `json:"collateral,string"`
	} `json:"data"`
}

type quotesResponse struct {
	apiStatus
	Data singleOrArray[struct {
		Symbol    string  `json:"symbol"`
		LTP       float64 `json:"ltp,string"`
		Close     float64 `json:"close,string"`
		Volume    int64   `json:"vol"`
		AvgVolume int64   `json:"avgVol"`
	}] `json:"data"`
}

type candlesResponse struct {
	apiStatus
	Data struct {
		Candles []struct {
			Date   string  `json:"date"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume int64   `json:"volume"`
		} `json:"candles"`
	} `json:"data"`
}

type ratiosResponse struct {
	apiStatus
	Data struct {
		PE *float64 `json:"pe"`
		PB *float64 `json:"pb"`
	} `json:"data"`
}

type scripPathsResponse struct {
	apiStatus
	Data struct {
		FilesPaths []string `json:"filesPaths"`
	} `json:"data"`
}

// ============ Session ============

// Login performs the two-step validate flow: password for a view token,
// then MPIN to mint the session token and sid used by every other call.
func (n *NeoAPI) Login(ctx context.Context) error {
	var view loginResponse
	body := map[string]string{"mobileNumber": n.mobile, "password": n.password}
	if err := n.doRequest(ctx, "login", http.MethodPost, n.baseURL+loginPath, body, &view, ""); err != nil {
		return err
	}
	if err := view.err("login"); err != nil {
		return err
	}
	if view.Data.Token == "" {
		return models.Errorf(models.KindAuthExpired, "login", "validate step returned no view token")
	}

	var sess loginResponse
	body = map[string]string{"mobileNumber": n.mobile, "mpin": n.mpin}
	if err := n.doRequest(ctx, "login", http.MethodPost, n.baseURL+loginPath, body, &sess, view.Data.Token); err != nil {
		return err
	}
	if err := sess.err("login"); err != nil {
		return err
	}
	if sess.Data.Token == "" || sess.Data.Sid == "" {
		return models.Errorf(models.KindAuthExpired, "login", "mpin step returned no session")
	}

	n.mu.Lock()
	n.token = sess.Data.Token
	n.sid = sess.Data.Sid
	n.mu.Unlock()

	log.Printf("Broker session established")
	return nil
}

// WSURL returns the streaming feed endpoint.
func (n *NeoAPI) WSURL() string {
	return n.wsURL
}

// WSToken returns the current session token and sid for feed authentication.
func (n *NeoAPI) WSToken() (string, string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.token, n.sid
}

// ============ Account ============

// Holdings retrieves the demat holdings rows.
func (n *NeoAPI) Holdings(ctx context.Context) ([]Holding, error) {
	var resp holdingsResponse
	if err := n.makeRequestCtx(ctx, "holdings", http.MethodGet, n.baseURL+holdingsPath, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("holdings"); err != nil {
		return nil, err
	}

	holdings := make([]Holding, 0, len(resp.Data))
	for _, h := range resp.Data {
		holdings = append(holdings, Holding{
			TradingSymbol: strings.ToUpper(strings.TrimSpace(h.TradingSymbol)),
			Quantity:      h.Quantity,
			AvgPrice:      h.AvgPrice,
		})
	}
	return holdings, nil
}

// Limits retrieves the funds available for new cash-segment orders.
func (n *NeoAPI) Limits(ctx context.Context) (*Margin, error) {
	body := map[string]string{"seg": "CASH", "exch": "NSE"}
	var resp limitsResponse
	if err := n.makeRequestCtx(ctx, "limits", http.MethodPost, n.baseURL+limitsPath, body, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("limits"); err != nil {
		return nil, err
	}
	return &Margin{AvailableCash: resp.Data.Net, Collateral: resp.Data.Collateral}, nil
}

// ============ Orders ============

// PlaceOrder submits a new order and returns the broker order id.
func (n *NeoAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if strings.TrimSpace(req.Symbol) == "" {
		return nil, models.Errorf(models.KindBrokerReject, "place_order", "symbol is required")
	}
	if req.Quantity <= 0 {
		return nil, models.Errorf(models.KindBrokerReject, "place_order",
			"invalid quantity %d for %s: must be > 0", req.Quantity, req.Symbol)
	}

	var transType string
	switch req.Side {
	case SideBuy:
		transType = "B"
	case SideSell:
		transType = "S"
	default:
		return nil, models.Errorf(models.KindBrokerReject, "place_order", "invalid side %q", req.Side)
	}

	var priceType, price string
	switch req.Type {
	case TypeMarket:
		priceType, price = "MKT", "0"
	case TypeLimit:
		if req.Price <= 0 {
			return nil, models.Errorf(models.KindBrokerReject, "place_order",
				"invalid limit price %.2f for %s: must be > 0", req.Price, req.Symbol)
		}
		priceType, price = "L", strconv.FormatFloat(req.Price, 'f', 2, 64)
	default:
		return nil, models.Errorf(models.KindBrokerReject, "place_order", "invalid order type %q", req.Type)
	}

	amo := "NO"
	switch req.Variety {
	case VarietyAMO:
		amo = "YES"
	case VarietyRegular, "":
	default:
		return nil, models.Errorf(models.KindBrokerReject, "place_order", "invalid variety %q", req.Variety)
	}

	product := req.Product
	if product == "" {
		product = ProductCNC
	}

	body := map[string]string{
		"am": amo,
		"es": "nse_cm",
		"pc": product,
		"pr": price,
		"pt": priceType,
		"qt": strconv.Itoa(req.Quantity),
		"rt": "DAY",
		"ts": req.Symbol,
		"tt": transType,
	}
	if req.Tag != "" {
		body["GuiOrderId"] = req.Tag
	}

	var resp orderAckResponse
	if err := n.makeRequestCtx(ctx, "place_order", http.MethodPost, n.baseURL+placeOrderPath, body, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("place_order"); err != nil {
		return nil, err
	}
	if resp.Data.OrderID == "" {
		return nil, models.Errorf(models.KindBrokerReject, "place_order", "broker returned no order id for %s", req.Symbol)
	}
	return &OrderAck{OrderID: resp.Data.OrderID}, nil
}

// ModifyOrder changes the price and quantity of a live order.
func (n *NeoAPI) ModifyOrder(ctx context.Context, orderID string, price float64, qty int) (*OrderAck, error) {
	if orderID == "" {
		return nil, models.Errorf(models.KindBrokerReject, "modify_order", "order id is required")
	}
	if qty <= 0 {
		return nil, models.Errorf(models.KindBrokerReject, "modify_order", "invalid quantity %d", qty)
	}
	if price <= 0 {
		return nil, models.Errorf(models.KindBrokerReject, "modify_order", "invalid price %.2f", price)
	}

	body := map[string]string{
		"no": orderID,
		"pr": strconv.FormatFloat(price, 'f', 2, 64),
		"pt": "L",
		"qt": strconv.Itoa(qty),
	}

	var resp orderAckResponse
	if err := n.makeRequestCtx(ctx, "modify_order", http.MethodPost, n.baseURL+modifyOrderPath, body, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("modify_order"); err != nil {
		return nil, err
	}
	ack := &OrderAck{OrderID: resp.Data.OrderID}
	if ack.OrderID == "" {
		ack.OrderID = orderID
	}
	return ack, nil
}

// CancelOrder cancels a live order. Cancelling an order the broker already
// cancelled is treated as success.
func (n *NeoAPI) CancelOrder(ctx context.Context, orderID string) (*OrderAck, error) {
	if orderID == "" {
		return nil, models.Errorf(models.KindBrokerReject, "cancel_order", "order id is required")
	}

	body := map[string]string{"on": orderID, "am": "NO"}
	var resp orderAckResponse
	err := n.makeRequestCtx(ctx, "cancel_order", http.MethodPost, n.baseURL+cancelOrderPath, body, &resp)
	if err == nil {
		err = resp.err("cancel_order")
	}
	if err != nil {
		if isAlreadyCancelled(err) {
			return &OrderAck{OrderID: orderID}, nil
		}
		return nil, err
	}

	ack := &OrderAck{OrderID: resp.Data.OrderID}
	if ack.OrderID == "" {
		ack.OrderID = orderID
	}
	return ack, nil
}

func isAlreadyCancelled(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already cancelled") || strings.Contains(msg, "already canceled")
}

// Orders retrieves today's order book, narrowed by filter.
func (n *NeoAPI) Orders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	var resp orderBookResponse
	if err := n.makeRequestCtx(ctx, "orders", http.MethodGet, n.baseURL+orderBookPath, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("orders"); err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(resp.Data))
	for _, row := range resp.Data {
		o := rowToOrder(row)
		if filter.Matches(o) {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

// OrderStatus retrieves the latest state of a single order.
func (n *NeoAPI) OrderStatus(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, models.Errorf(models.KindBrokerReject, "order_status", "order id is required")
	}

	body := map[string]string{"nOrdNo": orderID}
	var resp orderBookResponse
	if err := n.makeRequestCtx(ctx, "order_status", http.MethodPost, n.baseURL+orderHistoryPath, body, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("order_status"); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, models.Errorf(models.KindBrokerReject, "order_status", "no history for order %s", orderID)
	}

	// History rows are oldest-first; the last row is the current state.
	o := rowToOrder(resp.Data[len(resp.Data)-1])
	return &o, nil
}

func rowToOrder(row orderRow) Order {
	o := Order{
		OrderID:        row.OrderID,
		TradingSymbol:  strings.ToUpper(strings.TrimSpace(row.Symbol)),
		Price:          row.Price,
		Quantity:       row.Quantity,
		FilledQuantity: row.FilledQty,
		Status:         normalizeOrderStatus(row.Status),
		ExecPrice:      row.AvgPrice,
	}
	switch row.TransType {
	case "B":
		o.Side = SideBuy
	case "S":
		o.Side = SideSell
	}
	switch row.PriceType {
	case "MKT":
		o.Type = TypeMarket
	case "L":
		o.Type = TypeLimit
	}
	if row.UpdatedAt != "" {
		if ts, err := time.ParseInLocation(orderTimeLayout, row.UpdatedAt, istZone); err == nil {
			o.UpdatedAt = ts
		}
	}
	return o
}

func normalizeOrderStatus(s string) string {
	st := strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Contains(st, "complete"), strings.Contains(st, "traded"):
		return StatusComplete
	case strings.Contains(st, "cancel"):
		return StatusCancelled
	case strings.Contains(st, "reject"):
		return StatusRejected
	case strings.Contains(st, "open"):
		return StatusOpen
	case strings.Contains(st, "pending"), strings.Contains(st, "received"):
		return StatusPending
	}
	return st
}

// ============ Market Data ============

// Quote retrieves a point-in-time snapshot for one symbol.
func (n *NeoAPI) Quote(ctx context.Context, symbol string) (*Quote, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("exchange", "nse_cm")
	endpoint := n.baseURL + quotesPath + "?" + params.Encode()

	var resp quotesResponse
	if err := n.makeRequestCtx(ctx, "quote", http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("quote"); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, models.Errorf(models.KindInsufficientData, "quote", "no quote found for symbol %s", symbol)
	}

	q := resp.Data[0]
	return &Quote{
		Symbol:    strings.ToUpper(q.Symbol),
		LTP:       q.LTP,
		Close:     q.Close,
		Volume:    q.Volume,
		AvgVolume: q.AvgVolume,
	}, nil
}

// Candles retrieves historical OHLCV bars covering the trailing span of years.
func (n *NeoAPI) Candles(ctx context.Context, ticker string, interval Interval, years int) ([]Candle, error) {
	if years <= 0 {
		years = 1
	}
	to := time.Now().In(istZone)
	from := to.AddDate(-years, 0, 0)

	params := url.Values{}
	params.Set("symbol", ticker)
	params.Set("interval", string(interval))
	params.Set("from", from.Format("2006-01-02"))
	params.Set("to", to.Format("2006-01-02"))
	endpoint := n.baseURL + candlesPath + "?" + params.Encode()

	var resp candlesResponse
	if err := n.makeRequestCtx(ctx, "candles", http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("candles"); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(resp.Data.Candles))
	for _, c := range resp.Data.Candles {
		date, err := time.ParseInLocation("2006-01-02", c.Date, istZone)
		if err != nil {
			return nil, fmt.Errorf("candles: bad date %q for %s: %w", c.Date, ticker, err)
		}
		candles = append(candles, Candle{
			Date:   date,
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		})
	}
	return candles, nil
}

// Fundamentals retrieves valuation ratios; missing values come back nil.
func (n *NeoAPI) Fundamentals(ctx context.Context, ticker string) (*Fundamentals, error) {
	params := url.Values{}
	params.Set("symbol", ticker)
	endpoint := n.baseURL + ratiosPath + "?" + params.Encode()

	var resp ratiosResponse
	if err := n.makeRequestCtx(ctx, "fundamentals", http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("fundamentals"); err != nil {
		return nil, err
	}
	return &Fundamentals{PE: resp.Data.PE, PB: resp.Data.PB}, nil
}

// ScripMaster returns the symbol to instrument-token table, via the daily
// file cache when one is configured.
func (n *NeoAPI) ScripMaster(ctx context.Context) (ScripTable, error) {
	if n.scrips != nil {
		return n.scrips.Table(ctx, n.downloadScripMaster)
	}
	raw, err := n.downloadScripMaster(ctx)
	if err != nil {
		return nil, err
	}
	return ParseScripCSV(raw)
}

// downloadScripMaster fetches the NSE cash-segment master CSV. The file
// itself is served from unauthenticated storage, so only the path listing
// carries auth headers.
func (n *NeoAPI) downloadScripMaster(ctx context.Context) ([]byte, error) {
	var resp scripPathsResponse
	if err := n.makeRequestCtx(ctx, "scrip_master", http.MethodGet, n.baseURL+scripPathsPath, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("scrip_master"); err != nil {
		return nil, err
	}

	var fileURL string
	for _, p := range resp.Data.FilesPaths {
		if strings.Contains(p, "nse_cm") {
			fileURL = p
			break
		}
	}
	if fileURL == "" {
		return nil, models.Errorf(models.KindBrokerReject, "scrip_master", "no nse_cm file in master listing")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	httpResp, err := n.client.Do(req)
	if err != nil {
		return nil, wrapTransportError("scrip_master", err)
	}
	defer closeBody(httpResp)

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
		return nil, classifyHTTP("scrip_master", &APIError{Status: httpResp.StatusCode, Body: string(body)})
	}
	return io.ReadAll(httpResp.Body)
}

// ============ HTTP plumbing ============

// makeRequestCtx makes an authenticated request using the current session.
func (n *NeoAPI) makeRequestCtx(ctx context.Context, op, method, endpoint string, body, response interface{}) error {
	return n.doRequest(ctx, op, method, endpoint, body, response, "")
}

// doRequest sends one JSON request. authOverride substitutes the session
// token header, which the two-step login needs for its MPIN call.
func (n *NeoAPI) doRequest(ctx context.Context, op, method, endpoint string,
	body, response interface{}, authOverride string) error {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("Authorization", "Bearer "+n.accessToken)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "nifty-dipper/1.0 (+neo)")
	req.Header.Add("neo-fin-key", "neotradeapi")

	auth := authOverride
	sid := ""
	if auth == "" {
		n.mu.RLock()
		auth, sid = n.token, n.sid
		n.mu.RUnlock()
	}
	if auth != "" {
		req.Header.Add("Auth", auth)
	}
	if sid != "" {
		req.Header.Add("Sid", sid)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return wrapTransportError(op, err)
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // cap to avoid huge payloads
		if err != nil {
			return classifyHTTP(op, &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)})
		}
		detail := string(body)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			detail = fmt.Sprintf("%s (retry-after: %s)", detail, ra)
		}
		return classifyHTTP(op, &APIError{Status: resp.StatusCode, Body: detail})
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		log.Printf("Failed to close response body: %v", err)
	}
}

// wrapTransportError classifies network-level failures as transient while
// letting context cancellation pass through for the retry layer.
func wrapTransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return models.NewTradeError(models.KindTransient, op, err)
}

// classifyHTTP maps a non-2xx response to an error kind. Throttle markers
// win over the bare status: the gateway serves "invalid crumb" on a 401, and
// re-login does not fix that.
func classifyHTTP(op string, apiErr *APIError) error {
	msg := strings.ToLower(apiErr.Body)
	var kind models.ErrorKind
	switch {
	case apiErr.Status == http.StatusTooManyRequests,
		strings.Contains(msg, "invalid crumb"),
		strings.Contains(msg, "too many requests"):
		kind = models.KindRateLimited
	case apiErr.Status == http.StatusUnauthorized,
		strings.Contains(msg, "invalid jwt token"),
		strings.Contains(msg, "invalid credentials"):
		kind = models.KindAuthExpired
	case apiErr.Status >= 500:
		kind = models.KindTransient
	default:
		kind = classifyRejectText(msg)
	}
	return models.NewTradeError(kind, op, apiErr)
}

// classifyMessage maps a stat=Not_Ok errMsg (HTTP 200) to an error kind.
func classifyMessage(op, errMsg string) error {
	msg := strings.ToLower(errMsg)
	var kind models.ErrorKind
	switch {
	case strings.Contains(msg, "invalid jwt token"), strings.Contains(msg, "invalid credentials"),
		strings.Contains(msg, "session expired"):
		kind = models.KindAuthExpired
	case strings.Contains(msg, "invalid crumb"), strings.Contains(msg, "too many requests"):
		kind = models.KindRateLimited
	default:
		kind = classifyRejectText(msg)
	}
	return models.Errorf(kind, op, "%s", errMsg)
}

func classifyRejectText(msg string) models.ErrorKind {
	switch {
	case strings.Contains(msg, "duplicate"):
		return models.KindDuplicateOrder
	case strings.Contains(msg, "insufficient"):
		return models.KindInsufficientFunds
	case strings.Contains(msg, "no data"), strings.Contains(msg, "no records"):
		return models.KindInsufficientData
	}
	return models.KindBrokerReject
}
