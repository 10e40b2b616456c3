package checkout

import (
	"errors"

	"github.com/shopfront/payplus/internal/config"
	"github.com/shopfront/payplus/internal/gateway"
	"github.com/shopfront/payplus/internal/order/domain"
)

var (
	ErrInvalidPaymentContext = errors.New("invalid_payment_context")
)

// Gateway VAT flags per line.
const (
	vatTypeIncluded = 0
	vatTypeExempt   = 2
)

const roundingLineName = "Currency conversion rounding"

// BuildPaymentPageRequest assembles the generateLink body from an order.
// Each line is converted and rounded independently, so a residual rounding
// line is appended whenever the line sum drifts from the converted grand
// total. The gateway rejects requests whose lines do not reconcile.
func BuildPaymentPageRequest(order *domain.Order, cfg config.Config) (*gateway.PaymentPageRequest, error) {
	if order == nil || order.Payment == nil {
		return nil, ErrInvalidPaymentContext
	}
	if order.Payment.Method != config.MethodCode {
		return nil, ErrInvalidPaymentContext
	}

	rate := order.CurrencyRate
	if rate == 0 {
		rate = 1
	}

	payingVat := true
	if cfg.Orders.VATExemptWhenNoTax && order.TaxAmount == 0 {
		payingVat = false
	}

	amountMinor := gateway.ConvertMinor(order.GrandTotal, rate)

	var items []gateway.Item
	var linesMinor int64
	for _, item := range order.Items {
		qty := item.Quantity
		if qty < 1 {
			qty = 1
		}
		unitMinor := gateway.ConvertMinor(item.PriceInclTax, rate)
		linesMinor += unitMinor * int64(qty)

		vatType := vatTypeExempt
		if item.TaxAmount > 0 {
			vatType = vatTypeIncluded
		}
		items = append(items, gateway.Item{
			Name:     item.Name,
			Price:    gateway.MajorUnits(unitMinor),
			Quantity: qty,
			Barcode:  item.SKU,
			VatType:  vatType,
		})
	}

	if order.ShippingAmount > 0 {
		shippingMinor := gateway.ConvertMinor(order.ShippingAmount, rate)
		linesMinor += shippingMinor
		items = append(items, gateway.Item{
			Name:     "Shipping",
			Price:    gateway.MajorUnits(shippingMinor),
			Quantity: 1,
			VatType:  vatTypeIncluded,
		})
	}

	if order.DiscountAmount > 0 {
		discountMinor := gateway.ConvertMinor(order.DiscountAmount, rate)
		linesMinor -= discountMinor
		items = append(items, gateway.Item{
			Name:     "Discount",
			Price:    gateway.MajorUnits(-discountMinor),
			Quantity: 1,
			VatType:  vatTypeIncluded,
		})
	}

	if residual := amountMinor - linesMinor; residual != 0 {
		items = append(items, gateway.Item{
			Name:     roundingLineName,
			Price:    gateway.MajorUnits(residual),
			Quantity: 1,
			VatType:  vatTypeExempt,
		})
	}

	return &gateway.PaymentPageRequest{
		PaymentPageUID: cfg.Gateway.PaymentPageUID,
		ChargeMethod:   cfg.Orders.ChargeMethod,
		Amount:         gateway.MajorUnits(amountMinor),
		CurrencyCode:   order.CurrencyCode,
		MoreInfo:       order.IncrementID,
		PayingVat:      payingVat,
		CreateToken:    cfg.Orders.CreateToken && !order.IsGuest(),
		Customer: gateway.Customer{
			CustomerName: order.CustomerName,
			Email:        order.CustomerEmail,
			Phone:        order.CustomerPhone,
		},
		Items: items,

		RefURLSuccess:  cfg.Gateway.SuccessURL,
		RefURLFailure:  cfg.Gateway.FailureURL,
		RefURLCancel:   cfg.Gateway.CancelURL,
		RefURLCallback: cfg.Gateway.CallbackURL,

		HideOtherChargeMethods: cfg.Orders.HideOtherChargeMethods,
		HideIdentificationID:   cfg.Orders.HideIdentificationID,
		HidePaymentsField:      cfg.Orders.HidePaymentsField,
		SendFailureCallback:    true,
	}, nil
}

// BuildCaptureRequest prepares the settle call for a previously authorized
// transaction.
func BuildCaptureRequest(order *domain.Order) (*gateway.CaptureRequest, error) {
	if order == nil || order.Payment == nil || order.Payment.TransactionUID == "" {
		return nil, ErrInvalidPaymentContext
	}

	rate := order.CurrencyRate
	if rate == 0 {
		rate = 1
	}

	var items []gateway.Item
	for _, item := range order.Items {
		qty := item.Quantity
		if qty < 1 {
			qty = 1
		}
		items = append(items, gateway.Item{
			Name:     item.Name,
			Price:    gateway.MajorUnits(gateway.ConvertMinor(item.PriceInclTax, rate)),
			Quantity: qty,
			Barcode:  item.SKU,
		})
	}

	return &gateway.CaptureRequest{
		TransactionUID: order.Payment.TransactionUID,
		Amount:         gateway.MajorUnits(gateway.ConvertMinor(order.GrandTotal, rate)),
		MoreInfo:       order.IncrementID,
		Items:          items,
	}, nil
}
