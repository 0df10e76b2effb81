package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reckon/internal/clock"
	disputedomain "github.com/smallbiznis/reckon/internal/dispute/domain"
	ordersdomain "github.com/smallbiznis/reckon/internal/orders/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Strength weights. Tracking and confirmed delivery dominate because card
// networks weigh proof of fulfillment above everything else.
const (
	weightTracking      = 30
	weightDelivery      = 30
	weightCommunication = 20
	weightPhotos        = 10
	weightInvoices      = 10

	challengeHighMin   = 70
	challengeMediumMin = 50
	partialRefundMin   = 30
)

// Boilerplate policy text attached to every assembled pack. Operators can
// overwrite both fields before submission.
const (
	defaultRefundPolicy = "Refunds are issued to the original payment method within 14 days " +
		"of the returned item passing inspection. Shipping costs are non-refundable."
	defaultTermsOfService = "By completing checkout the customer accepted the published terms " +
		"of sale, including the delivery, return and chargeback provisions in effect on the order date."
)

type Params struct {
	fx.In

	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Orders ordersdomain.Repository
}

// Builder assembles evidence packs from order, shipment and item records.
type Builder struct {
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	orders ordersdomain.Repository
}

func NewBuilder(p Params) *Builder {
	return &Builder{
		log:    p.Log.Named("evidence"),
		genID:  p.GenID,
		clock:  p.Clock,
		orders: p.Orders,
	}
}

// Assemble creates a pack for the dispute and fills every field it can
// derive from the linked order. The returned bool reports whether the pack
// is complete enough to be marked ready without operator input.
func (b *Builder) Assemble(ctx context.Context, db *gorm.DB, dispute *disputedomain.Dispute) (*disputedomain.EvidencePack, bool, error) {
	now := b.clock.Now()
	pack := &disputedomain.EvidencePack{
		ID:             b.genID.Generate(),
		DisputeID:      dispute.ID,
		Status:         disputedomain.PackBuilding,
		RefundPolicy:   defaultRefundPolicy,
		TermsOfService: defaultTermsOfService,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if dispute.OrderID == nil {
		b.log.Info("no linked order, pack needs operator input",
			zap.Int64("dispute_id", int64(dispute.ID)))
		return pack, false, nil
	}

	order, err := b.orders.GetOrder(ctx, db, *dispute.OrderID)
	if err != nil {
		return nil, false, err
	}
	if order == nil {
		return pack, false, nil
	}

	items, err := b.orders.GetOrderItems(ctx, db, order.ID)
	if err != nil {
		return nil, false, err
	}
	pack.ProductDescription = describeItems(items)

	shipment, err := b.orders.LatestShipment(ctx, db, order.ID)
	if err != nil {
		return nil, false, err
	}
	if shipment != nil {
		pack.TrackingNumber = shipment.TrackingNumber
		pack.TrackingURL = shipment.TrackingURL
		pack.Carrier = shipment.Carrier
		pack.DeliveredAt = shipment.DeliveredAt
		if shipment.DeliveredAt != nil {
			pack.DeliveryProof = fmt.Sprintf("Delivered by %s on %s",
				shipment.Carrier, shipment.DeliveredAt.UTC().Format("2006-01-02"))
		}
	}

	complete := pack.TrackingNumber != "" && pack.DeliveredAt != nil && pack.ProductDescription != ""
	return pack, complete, nil
}

func describeItems(items []ordersdomain.OrderItem) string {
	if len(items) == 0 {
		return ""
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		desc := strings.TrimSpace(item.Description)
		if desc == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%dx %s", item.Quantity, desc))
	}
	return strings.Join(parts, "; ")
}

// Apply merges operator-supplied fields into the pack. Empty input fields
// are ignored so automatic values survive partial updates.
func (b *Builder) Apply(pack *disputedomain.EvidencePack, input disputedomain.EvidenceInput) error {
	if desc := strings.TrimSpace(input.ProductDescription); desc != "" {
		pack.ProductDescription = desc
	}
	if policy := strings.TrimSpace(input.RefundPolicy); policy != "" {
		pack.RefundPolicy = policy
	}
	if tos := strings.TrimSpace(input.TermsOfService); tos != "" {
		pack.TermsOfService = tos
	}
	if len(input.CustomerComms) > 0 {
		raw, err := json.Marshal(input.CustomerComms)
		if err != nil {
			return err
		}
		pack.CustomerComms = datatypes.JSON(raw)
	}
	if len(input.Attachments) > 0 {
		raw, err := json.Marshal(input.Attachments)
		if err != nil {
			return err
		}
		pack.Attachments = datatypes.JSON(raw)
	}
	pack.UpdatedAt = b.clock.Now()
	return nil
}

// Recommend scores the pack's evidence strength and picks a response
// strategy. A challenge is only recommended when the pack can actually
// carry it.
func Recommend(pack *disputedomain.EvidencePack) *disputedomain.Recommendation {
	rec := &disputedomain.Recommendation{}
	if pack == nil {
		rec.Action = disputedomain.ActionAccept
		rec.Confidence = disputedomain.ConfidenceLow
		rec.Reasons = []string{"no evidence pack assembled"}
		return rec
	}

	hasTracking := pack.TrackingNumber != ""
	hasDelivery := pack.DeliveredAt != nil

	if hasTracking {
		rec.Strength += weightTracking
		rec.Reasons = append(rec.Reasons, "shipment tracking on file")
	}
	if hasDelivery {
		rec.Strength += weightDelivery
		rec.Reasons = append(rec.Reasons, "delivery confirmed by carrier")
	}
	if len(decodeList(pack.CustomerComms)) > 0 {
		rec.Strength += weightCommunication
		rec.Reasons = append(rec.Reasons, "customer communication records attached")
	}

	photos, invoices := classifyAttachments(decodeList(pack.Attachments))
	if photos > 0 {
		rec.Strength += weightPhotos
		rec.Reasons = append(rec.Reasons, "product photos attached")
	}
	if invoices > 0 {
		rec.Strength += weightInvoices
		rec.Reasons = append(rec.Reasons, "invoice documents attached")
	}

	switch {
	case rec.Strength >= challengeHighMin && hasTracking && hasDelivery:
		rec.Action = disputedomain.ActionChallenge
		rec.Confidence = disputedomain.ConfidenceHigh
	case rec.Strength >= challengeMediumMin:
		rec.Action = disputedomain.ActionChallenge
		rec.Confidence = disputedomain.ConfidenceMedium
	case rec.Strength >= partialRefundMin:
		rec.Action = disputedomain.ActionPartialRefund
		rec.Confidence = disputedomain.ConfidenceMedium
	default:
		rec.Action = disputedomain.ActionAccept
		rec.Confidence = disputedomain.ConfidenceLow
		rec.Reasons = append(rec.Reasons, "evidence too weak to contest")
	}
	return rec
}

func decodeList(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}

func classifyAttachments(attachments []string) (photos, invoices int) {
	for _, name := range attachments {
		lower := strings.ToLower(name)
		switch {
		case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"),
			strings.HasSuffix(lower, ".png"), strings.Contains(lower, "photo"):
			photos++
		case strings.Contains(lower, "invoice"), strings.Contains(lower, "receipt"),
			strings.HasSuffix(lower, ".pdf"):
			invoices++
		}
	}
	return photos, invoices
}
