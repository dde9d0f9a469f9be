package custody

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	g "github.com/pandodao/generic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/twitchtv/twirp"
)

func (s *Server) Handler() http.Handler {
	m := chi.NewMux()
	m.Use(middleware.Recoverer)
	m.Use(middleware.RealIP)
	m.Use(middleware.Logger)
	m.Use(middleware.Heartbeat("/hc"))
	m.Use(cors.AllowAll().Handler)

	if s.metrics != nil {
		m.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	m.Group(func(r chi.Router) {
		r.Use(handleAuth(s.cfg.Secret))

		r.Post("/", s.rejectTransfer)
		r.Post("/deposits", s.createDeposit)
		r.Post("/withdrawals", s.createWithdrawal)
		r.Get("/balances", s.listBalances)
		r.Get("/balances/{asset}", s.findBalance)
		r.Get("/bank", s.getTotals)
		r.Get("/assets", s.listAssets)
		r.Get("/assets/{asset}", s.findAsset)
		r.Get("/assets/{asset}/price", s.getPrice)
		r.Get("/assets/{asset}/value", s.getValue)
		r.Get("/events", s.listEvents)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/assets", s.addAsset)
			r.Delete("/assets/{asset}", s.removeAsset)
			r.Put("/assets/{asset}/oracle", s.rotateOracle)
			r.Post("/mint", s.mint)
		})
	})

	return m
}

func renderJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)

	_ = json.NewEncoder(w).Encode(v)
}

func renderErr(w http.ResponseWriter, err error) {
	_ = twirp.WriteError(w, twirpError(err))
}

// twirpError maps bank errors onto twirp codes, carrying diagnostic payloads
// in the error metadata.
func twirpError(err error) twirp.Error {
	var (
		terr         twirp.Error
		insufficient *InsufficientBalanceError
		capacity     *CapacityError
		ceiling      *CeilingError
	)

	switch {
	case errors.As(err, &terr):
		return terr
	case errors.As(err, &insufficient):
		return twirp.FailedPrecondition.Error(err.Error()).
			WithMeta("requested", dec(insufficient.Requested)).
			WithMeta("available", dec(insufficient.Available))
	case errors.As(err, &capacity):
		return twirp.ResourceExhausted.Error(err.Error()).
			WithMeta("attempted", dec(capacity.Attempted)).
			WithMeta("available", dec(capacity.Available))
	case errors.As(err, &ceiling):
		return twirp.OutOfRange.Error(err.Error()).
			WithMeta("requested", dec(ceiling.Requested)).
			WithMeta("max", dec(ceiling.Max))
	}

	code := twirp.Internal
	switch {
	case errors.Is(err, ErrZeroAmount), errors.Is(err, ErrZeroAddress), errors.Is(err, ErrDecimalsMismatch):
		code = twirp.InvalidArgument
	case errors.Is(err, ErrAssetNotSupported):
		code = twirp.NotFound
	case errors.Is(err, ErrAssetAlreadySupported):
		code = twirp.AlreadyExists
	case errors.Is(err, ErrUnauthorized):
		code = twirp.PermissionDenied
	case errors.Is(err, ErrReentrantCall):
		code = twirp.Aborted
	case errors.Is(err, ErrStalePrice), errors.Is(err, ErrInvalidPrice):
		code = twirp.Unavailable
	case errors.Is(err, ErrInvalidOracle), errors.Is(err, ErrTransferFailed), errors.Is(err, ErrUnsolicitedTransfer):
		code = twirp.FailedPrecondition
	case errors.Is(err, ErrOverflow):
		code = twirp.OutOfRange
	}

	return twirp.NewError(code, err.Error()).WithMeta("kind", errorKind(err))
}

func parseAsset(s string) (AssetID, error) {
	if s != "" && s != "native" && !govalidator.IsUUID(s) {
		return NativeAsset, twirp.InvalidArgumentError("asset", "must be a uuid or native")
	}

	return ParseAssetID(s)
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" || !govalidator.IsNumeric(s) {
		return nil, twirp.InvalidArgumentError("amount", "must be an integer of native units")
	}

	amount, err := ParseUnits(s)
	if err != nil {
		return nil, twirp.InvalidArgumentError("amount", err.Error())
	}

	return amount, nil
}

type transferBody struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) decodeTransfer(w http.ResponseWriter, r *http.Request) (*User, AssetID, *uint256.Int, bool) {
	user, ok := UserFrom(r.Context())
	if !ok {
		renderErr(w, twirp.Unauthenticated.Error("auth required"))
		return nil, NativeAsset, nil, false
	}

	var body transferBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderErr(w, twirp.InvalidArgumentError("body", err.Error()))
		return nil, NativeAsset, nil, false
	}

	asset, err := parseAsset(body.Asset)
	if err != nil {
		renderErr(w, err)
		return nil, NativeAsset, nil, false
	}

	amount, err := parseAmount(body.Amount)
	if err != nil {
		renderErr(w, err)
		return nil, NativeAsset, nil, false
	}

	return user, asset, amount, true
}

func (s *Server) createDeposit(w http.ResponseWriter, r *http.Request) {
	user, asset, amount, ok := s.decodeTransfer(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	e, err := s.bank.Deposit(r.Context(), user.ID, asset, amount)
	s.mu.Unlock()

	if err != nil {
		slog.Warn("deposit rejected", "owner", user.ID, "asset", asset, "amount", dec(amount), slog.Any("err", err))
		renderErr(w, err)
		return
	}

	renderJSON(w, e)
}

func (s *Server) createWithdrawal(w http.ResponseWriter, r *http.Request) {
	user, asset, amount, ok := s.decodeTransfer(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	e, err := s.bank.Withdraw(r.Context(), user.ID, asset, amount)
	s.mu.Unlock()

	if err != nil {
		slog.Warn("withdrawal rejected", "owner", user.ID, "asset", asset, "amount", dec(amount), slog.Any("err", err))
		renderErr(w, err)
		return
	}

	renderJSON(w, e)
}

// rejectTransfer answers value posted to the bank without an operation.
func (s *Server) rejectTransfer(w http.ResponseWriter, r *http.Request) {
	from := "anonymous"
	if user, ok := UserFrom(r.Context()); ok {
		from = user.ID
	}

	amount := g.Try(ParseUnits(r.URL.Query().Get("value")))
	renderErr(w, s.bank.Receive(r.Context(), from, NativeAsset, amount))
}

type holdingView struct {
	Asset  AssetID         `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
	Units  decimal.Decimal `json:"units"`
}

func (s *Server) viewHolding(asset AssetID, amount *uint256.Int) holdingView {
	a, _ := s.bank.AssetInfo(asset)
	return holdingView{
		Asset:  asset,
		Amount: toDecimal(amount),
		Units:  FormatUnits(amount, a.Decimals),
	}
}

func (s *Server) listBalances(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		renderErr(w, twirp.Unauthenticated.Error("auth required"))
		return
	}

	views := []holdingView{}
	for _, h := range s.bank.Balances(user.ID) {
		views = append(views, s.viewHolding(h.Asset, h.Amount))
	}

	renderJSON(w, views)
}

func (s *Server) findBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		renderErr(w, twirp.Unauthenticated.Error("auth required"))
		return
	}

	asset, err := parseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, s.viewHolding(asset, s.bank.BalanceOf(user.ID, asset)))
}

func (s *Server) getTotals(w http.ResponseWriter, r *http.Request) {
	t := s.bank.Totals()
	renderJSON(w, map[string]interface{}{
		"valuation":          FormatUSD(t.Valuation),
		"cap":                FormatUSD(t.Cap),
		"withdrawal_ceiling": FormatUSD(t.WithdrawalCeiling),
		"remaining":          FormatUSD(t.Remaining),
		"assets":             t.Assets,
	})
}

func (s *Server) listAssets(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, s.bank.SupportedAssets())
}

func (s *Server) findAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		renderErr(w, err)
		return
	}

	info, ok := s.bank.AssetInfo(asset)
	if !ok {
		renderErr(w, ErrAssetNotSupported)
		return
	}

	stats := s.bank.AssetStats(asset)
	renderJSON(w, map[string]interface{}{
		"asset": info,
		"stats": map[string]interface{}{
			"deposited":   toDecimal(stats.Deposited),
			"withdrawn":   toDecimal(stats.Withdrawn),
			"held":        toDecimal(stats.Held()),
			"deposits":    stats.Deposits,
			"withdrawals": stats.Withdrawals,
		},
	})
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		renderErr(w, err)
		return
	}

	q, err := s.bank.CurrentPrice(r.Context(), asset)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, map[string]interface{}{
		"price":      q.Price.String(),
		"decimals":   q.Decimals,
		"usd":        decimal.NewFromBigInt(q.Price, -int32(q.Decimals)),
		"updated_at": q.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) getValue(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		renderErr(w, err)
		return
	}

	amount, err := parseAmount(r.URL.Query().Get("amount"))
	if err != nil {
		renderErr(w, err)
		return
	}

	value, err := s.bank.ValueUSD(r.Context(), asset, amount)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, map[string]interface{}{
		"value": toDecimal(value),
		"usd":   FormatUSD(value),
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		renderErr(w, twirp.NotFound.Error("journal disabled"))
		return
	}

	q := r.URL.Query()
	offset := cast.ToInt64(q.Get("offset"))
	limit := cast.ToInt(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	events, err := s.journal.List(offset, limit)
	if err != nil {
		slog.Error("list events", "err", err)
		renderErr(w, err)
		return
	}

	renderJSON(w, events)
}

func (s *Server) addAsset(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		renderErr(w, twirp.Unauthenticated.Error("auth required"))
		return
	}

	var body struct {
		Asset    string `json:"asset"`
		Oracle   string `json:"oracle"`
		Decimals uint8  `json:"decimals"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderErr(w, twirp.InvalidArgumentError("body", err.Error()))
		return
	}

	asset, err := parseAsset(body.Asset)
	if err != nil {
		renderErr(w, err)
		return
	}

	s.mu.Lock()
	e, err := s.bank.AddAsset(r.Context(), user.ID, asset, body.Oracle, body.Decimals)
	s.mu.Unlock()

	if err != nil {
		slog.Warn("add asset rejected", "caller", user.ID, "asset", asset, slog.Any("err", err))
		renderErr(w, err)
		return
	}

	renderJSON(w, e)
}

func (s *Server) removeAsset(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		renderErr(w, twirp.Unauthenticated.Error("auth required"))
		return
	}

	asset, err := parseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		renderErr(w, err)
		return
	}

	s.mu.Lock()
	e, err := s.bank.RemoveAsset(r.Context(), user.ID, asset)
	s.mu.Unlock()

	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, e)
}

func (s *Server) rotateOracle(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		renderErr(w, twirp.Unauthenticated.Error("auth required"))
		return
	}

	asset, err := parseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		renderErr(w, err)
		return
	}

	var body struct {
		Oracle string `json:"oracle"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderErr(w, twirp.InvalidArgumentError("body", err.Error()))
		return
	}

	s.mu.Lock()
	e, err := s.bank.RotateOracle(r.Context(), user.ID, asset, body.Oracle)
	s.mu.Unlock()

	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, e)
}

// mint funds a wallet on the in-process rail.
func (s *Server) mint(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		renderErr(w, twirp.Unauthenticated.Error("auth required"))
		return
	}

	if user.ID != s.bank.Admin() {
		renderErr(w, ErrUnauthorized)
		return
	}

	if s.wallets == nil {
		renderErr(w, twirp.NotFound.Error("wallets disabled"))
		return
	}

	var body struct {
		Owner string `json:"owner"`
		transferBody
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderErr(w, twirp.InvalidArgumentError("body", err.Error()))
		return
	}

	if body.Owner == "" {
		renderErr(w, twirp.InvalidArgumentError("owner", "required"))
		return
	}

	asset, err := parseAsset(body.Asset)
	if err != nil {
		renderErr(w, err)
		return
	}

	amount, err := parseAmount(body.Amount)
	if err != nil {
		renderErr(w, err)
		return
	}

	if err := s.wallets.Mint(body.Owner, asset, amount); err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, s.viewHolding(asset, s.wallets.BalanceOf(body.Owner, asset)))
}
