package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

// WalletReader lists an owner's wallets.
type WalletReader interface {
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Wallet, error)
}

// WalletHandler serves wallet balances.
type WalletHandler struct {
	wallets WalletReader
	logger  *slog.Logger
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(wallets WalletReader, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{wallets: wallets, logger: logger}
}

type walletView struct {
	ID        string          `json:"id"`
	OwnerKind string          `json:"owner_kind"`
	LiveMode  bool            `json:"livemode"`
	Balance   decimal.Decimal `json:"balance"`
	Bonus     decimal.Decimal `json:"bonus"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ListWallets returns every wallet of the authenticated owner.
// GET /api/wallets
func (h *WalletHandler) ListWallets(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrReject(w, r)
	if !ok {
		return
	}

	wallets, err := h.wallets.ListByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	out := make([]walletView, 0, len(wallets))
	for _, wl := range wallets {
		out = append(out, walletView{
			ID:        wl.ID,
			OwnerKind: string(wl.OwnerKind),
			LiveMode:  wl.LiveMode,
			Balance:   wl.Balance,
			Bonus:     wl.Bonus,
			UpdatedAt: wl.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": out})
}
