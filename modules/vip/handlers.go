package vip

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bezhas/vip/handler"
	"github.com/bezhas/vip/pkg/binder"
	"github.com/bezhas/vip/pkg/jwt"
	"github.com/bezhas/vip/pkg/logger"
	vipsvc "github.com/bezhas/vip/svc/vip"
)

// wrap binds R with binders and reports failures through the module's
// error handler.
func wrap[R any](m *Module, h handler.HandlerFunc[R], binders ...handler.Bind) http.HandlerFunc {
	return handler.Wrap(h,
		handler.WithBinders[R](binders...),
		handler.WithErrorHandler[R](m.errors),
	)
}

type createSessionRequest struct {
	Tier          vipsvc.TierID `json:"tier"`
	Email         string        `json:"email"`
	WalletAddress string        `json:"walletAddress"`
}

type cancelRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	Immediate      bool   `json:"immediate"`
}

type upgradeRequest struct {
	SubscriptionID string        `json:"subscriptionId"`
	NewTier        vipsvc.TierID `json:"newTier"`
}

type benefitsRequest struct {
	Tier vipsvc.TierID `path:"tier"`
}

type verifySessionRequest struct {
	SessionID string `path:"sessionId"`
}

type webhookRequest struct {
	Payload   []byte
	Signature string
}

// rawWebhook reads the unparsed body for signature verification.
func rawWebhook(limit int64) handler.Bind {
	return func(r *http.Request, v any) error {
		req, ok := v.(*webhookRequest)
		if !ok {
			return binder.ErrNotApplicable
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			return fmt.Errorf("read webhook body: %w", err)
		}
		if int64(len(body)) > limit {
			return fmt.Errorf("%w: max %d bytes", binder.ErrBodyTooLarge, limit)
		}
		req.Payload = body
		req.Signature = r.Header.Get("Stripe-Signature")
		return nil
	}
}

func (m *Module) tiers(ctx handler.Context, _ struct{}) handler.Response {
	tiers := m.billing.Tiers()
	views := make(map[vipsvc.TierID]tierView, len(tiers))
	for _, t := range tiers {
		views[t.ID] = newTierView(t)
	}
	return handler.JSON(tiersResponse{Tiers: views})
}

func (m *Module) benefits(ctx handler.Context, req benefitsRequest) handler.Response {
	tier, err := m.billing.Tier(req.Tier)
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(benefitsResponse{Tier: tier.ID, Benefits: newBenefitsView(tier)})
}

func (m *Module) createSession(ctx handler.Context, req createSessionRequest) handler.Response {
	if !req.Tier.Valid() {
		return handler.Error(vipsvc.ErrInvalidTier)
	}

	who := vipsvc.Identity{Email: req.Email, WalletAddress: req.WalletAddress}
	if claims, ok := jwt.ClaimsFromContext(ctx); ok {
		who.UserID = claims.Subject()
		if who.Email == "" {
			who.Email = claims.Email
		}
		if who.WalletAddress == "" {
			who.WalletAddress = claims.WalletAddress
		}
	}

	res, err := m.billing.CreateCheckoutSession(ctx, req.Tier, who)
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(checkoutResponse{
		SessionID: res.SessionID,
		URL:       res.URL,
		Tier:      res.Tier,
		Price:     res.Price.Major(),
	})
}

func (m *Module) mySubscriptions(ctx handler.Context, _ struct{}) handler.Response {
	subs, err := m.billing.ListActiveSubscriptions(ctx, jwt.UserID(ctx))
	if err != nil {
		return handler.Error(err)
	}
	if subs == nil {
		subs = []vipsvc.Subscription{}
	}
	return handler.JSON(subscriptionsResponse{Subscriptions: subs})
}

func (m *Module) status(ctx handler.Context, _ struct{}) handler.Response {
	userID := jwt.UserID(ctx)

	status, err := m.billing.CheckUserVipStatus(ctx, userID)
	if err != nil {
		return handler.Error(err)
	}
	ent, err := m.billing.GetEntitlement(ctx, userID)
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(statusResponse{VipStatus: status, Entitlement: ent})
}

func (m *Module) verifySession(ctx handler.Context, req verifySessionRequest) handler.Response {
	if strings.TrimSpace(req.SessionID) == "" {
		return handler.Error(handler.ErrBadRequest.WithMessage("Session ID is required"))
	}
	res, err := m.billing.VerifySession(ctx, req.SessionID)
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(verifySessionResponse{
		TierName:       res.TierName,
		Tier:           res.Tier,
		Price:          res.Price.Major(),
		SubscriptionID: res.SubscriptionID,
		Status:         res.Status,
		NextBilling:    res.NextBilling,
	})
}

func (m *Module) cancel(ctx handler.Context, req cancelRequest) handler.Response {
	if req.SubscriptionID == "" {
		return handler.Error(handler.ErrBadRequest.WithMessage("Subscription ID is required"))
	}
	res, err := m.billing.CancelSubscription(ctx, jwt.UserID(ctx), req.SubscriptionID, req.Immediate)
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(res)
}

func (m *Module) upgrade(ctx handler.Context, req upgradeRequest) handler.Response {
	if req.SubscriptionID == "" || req.NewTier == "" {
		return handler.Error(handler.ErrBadRequest.WithMessage("Subscription ID and new tier are required"))
	}
	res, err := m.billing.UpgradeSubscription(ctx, jwt.UserID(ctx), req.SubscriptionID, req.NewTier)
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(res)
}

// webhook acknowledges every verified delivery with 200 so the provider
// stops retrying; only processing failures return 5xx.
func (m *Module) webhook(ctx handler.Context, req webhookRequest) handler.Response {
	res, err := m.billing.HandleWebhook(ctx, req.Payload, req.Signature)
	if err != nil {
		return handler.Error(err)
	}

	m.log.InfoContext(ctx, "webhook handled",
		logger.EventID(res.EventID),
		logger.EventType(res.EventType),
		"outcome", res.Outcome,
	)
	return handler.JSON(webhookAck{
		Received:  true,
		Processed: res.Processed,
		Status:    res.Outcome,
		EventID:   res.EventID,
	}, handler.WithoutEnvelope())
}
