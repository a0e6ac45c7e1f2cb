package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"dukaan/backend/internal/cart"
	"dukaan/backend/internal/exchange"
	"dukaan/backend/internal/rates"
	"dukaan/backend/internal/service"
	"dukaan/backend/internal/store"
	"dukaan/backend/internal/transfer"
	"dukaan/backend/internal/upstream"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Checked in order; the first match wins.
var errorTable = []errorMapping{
	{cart.ErrCartNotFound, http.StatusNotFound, "cart_not_found"},
	{cart.ErrLineNotFound, http.StatusNotFound, "line_not_found"},
	{service.ErrLotNotFound, http.StatusNotFound, "lot_not_found"},
	{store.ErrNotFound, http.StatusNotFound, "not_found"},

	{cart.ErrCartClosed, http.StatusConflict, "cart_closed"},
	{service.ErrSubmissionInProgress, http.StatusConflict, "submission_in_progress"},
	{service.ErrNotOrphaned, http.StatusConflict, "not_orphaned"},
	{store.ErrConflict, http.StatusConflict, "conflict"},

	{service.ErrOrphanedExchange, http.StatusBadGateway, "orphaned_exchange"},
	{service.ErrExchangeUnconfirmed, http.StatusBadGateway, "exchange_unconfirmed"},
	{service.ErrSaleUnconfirmed, http.StatusBadGateway, "sale_unconfirmed"},
	{rates.ErrRateUnavailable, http.StatusServiceUnavailable, "rate_unavailable"},
	{upstream.ErrServiceUnavailable, http.StatusServiceUnavailable, "upstream_unavailable"},

	{cart.ErrCartEmpty, http.StatusUnprocessableEntity, "cart_empty"},
	{service.ErrUnderpaid, http.StatusUnprocessableEntity, "underpaid"},
	{service.ErrAllocationGap, http.StatusUnprocessableEntity, "allocation_gap"},
	{service.ErrChangeOptionRequired, http.StatusUnprocessableEntity, "change_option_required"},
	{exchange.ErrAmbiguousTender, http.StatusUnprocessableEntity, "ambiguous_tender"},
	{exchange.ErrOptionNotApplicable, http.StatusUnprocessableEntity, "option_not_applicable"},
	{exchange.ErrNothingToExchange, http.StatusUnprocessableEntity, "nothing_to_exchange"},
	{exchange.ErrUnusableRate, http.StatusUnprocessableEntity, "unusable_rate"},
	{exchange.ErrAccountNotFound, http.StatusUnprocessableEntity, "cash_account_not_found"},
	{upstream.ErrRejected, http.StatusUnprocessableEntity, "upstream_rejected"},

	{service.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{exchange.ErrUnknownOption, http.StatusBadRequest, "unknown_change_option"},
	{transfer.ErrInvalidTransfer, http.StatusBadRequest, "invalid_transfer"},
	{store.ErrInvalidRecord, http.StatusBadRequest, "invalid_record"},
}

func classify(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := err.Error()
	switch {
	case status == http.StatusServiceUnavailable && code == "rate_unavailable":
		msg = "exchange rate unavailable; try again shortly"
	case status == http.StatusServiceUnavailable:
		msg = "back office unavailable; try again shortly"
	case status >= http.StatusInternalServerError && status != http.StatusBadGateway:
		a.logger.Error("request failed", zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
		"code":  code,
	})
}

// writeSubmitError includes the partial result so the till can show the saga
// id and the settlement it was refused on.
func (a *API) writeSubmitError(w http.ResponseWriter, res service.SubmitResult, err error) {
	status, code := classify(err)
	msg := err.Error()
	switch status {
	case http.StatusBadGateway:
		a.logger.Warn("submission needs reconciliation", zap.String("saga_id", res.SagaID), zap.String("code", code), zap.Error(err))
		switch code {
		case "exchange_unconfirmed":
			msg = "change exchange outcome is unknown; confirm it with the back office and resolve saga " + res.SagaID
		case "sale_unconfirmed":
			msg = "sale outcome is unknown; retry saga " + res.SagaID
		default:
			msg = "change exchange was posted but the sale was not recorded; retry saga " + res.SagaID
		}
	case http.StatusServiceUnavailable:
		msg = "back office unavailable; nothing was recorded twice, try again"
		if code == "rate_unavailable" {
			msg = "exchange rate unavailable; try again shortly"
		}
	case http.StatusInternalServerError:
		a.logger.Error("submission failed", zap.String("saga_id", res.SagaID), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error":  msg,
		"code":   code,
		"result": res,
	})
}
