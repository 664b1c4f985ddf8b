package monitor

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/t77yq/pricewatch/internal/model"
	"github.com/t77yq/pricewatch/internal/trend"
)

var hundred = decimal.NewFromInt(100)

// evalContext is everything a rule sees when a new point arrives
type evalContext struct {
	productID int64
	point     model.PricePoint
	prev      *model.PricePoint
	history   func(n int) []model.PricePoint
}

// evaluate dispatches on the rule type. It reports whether the rule fires and
// a human readable reason.
func (e *AlertEngine) evaluate(rule *model.AlertRule, ec evalContext) (bool, string, error) {
	switch rule.Type {
	case model.RuleTypePriceDrop:
		return evalPriceDrop(rule, ec)
	case model.RuleTypePriceRise:
		return evalPriceRise(rule, ec)
	case model.RuleTypePriceThreshold:
		return evalPriceThreshold(rule, ec)
	case model.RuleTypePercentChange:
		return evalPercentChange(rule, ec)
	case model.RuleTypeAnomaly:
		return e.evalAnomaly(rule, ec)
	default:
		return false, "", fmt.Errorf("%w: unknown rule type %q", ErrRuleEvaluation, rule.Type)
	}
}

// percentMove returns (new-prev)/prev*100
func percentMove(ec evalContext) (decimal.Decimal, error) {
	if ec.prev.Price.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("%w: previous price is zero", ErrRuleEvaluation)
	}
	return ec.point.Price.Sub(ec.prev.Price).Div(ec.prev.Price).Mul(hundred), nil
}

func evalPriceDrop(rule *model.AlertRule, ec evalContext) (bool, string, error) {
	if ec.prev == nil {
		return false, "", nil
	}
	switch {
	case rule.Threshold != nil:
		thr := decimal.NewFromFloat(*rule.Threshold)
		if ec.prev.Price.GreaterThanOrEqual(thr) && ec.point.Price.LessThan(thr) {
			return true, fmt.Sprintf("price dropped below %s: now %s %s (was %s)",
				thr, ec.point.Price, ec.point.Currency, ec.prev.Price), nil
		}
		return false, "", nil
	case rule.Percent != nil:
		move, err := percentMove(ec)
		if err != nil {
			return false, "", err
		}
		if move.LessThanOrEqual(decimal.NewFromFloat(math.Abs(*rule.Percent)).Neg()) {
			return true, fmt.Sprintf("price dropped %s%%: now %s %s (was %s)",
				move.Abs().StringFixed(2), ec.point.Price, ec.point.Currency, ec.prev.Price), nil
		}
		return false, "", nil
	}
	return false, "", fmt.Errorf("%w: price_drop needs threshold or percent", ErrRuleEvaluation)
}

func evalPriceRise(rule *model.AlertRule, ec evalContext) (bool, string, error) {
	if ec.prev == nil {
		return false, "", nil
	}
	switch {
	case rule.Threshold != nil:
		thr := decimal.NewFromFloat(*rule.Threshold)
		if ec.prev.Price.LessThanOrEqual(thr) && ec.point.Price.GreaterThan(thr) {
			return true, fmt.Sprintf("price rose above %s: now %s %s (was %s)",
				thr, ec.point.Price, ec.point.Currency, ec.prev.Price), nil
		}
		return false, "", nil
	case rule.Percent != nil:
		move, err := percentMove(ec)
		if err != nil {
			return false, "", err
		}
		if move.GreaterThanOrEqual(decimal.NewFromFloat(math.Abs(*rule.Percent))) {
			return true, fmt.Sprintf("price rose %s%%: now %s %s (was %s)",
				move.StringFixed(2), ec.point.Price, ec.point.Currency, ec.prev.Price), nil
		}
		return false, "", nil
	}
	return false, "", fmt.Errorf("%w: price_rise needs threshold or percent", ErrRuleEvaluation)
}

func evalPriceThreshold(rule *model.AlertRule, ec evalContext) (bool, string, error) {
	if rule.Threshold == nil {
		return false, "", fmt.Errorf("%w: price_threshold needs threshold", ErrRuleEvaluation)
	}
	thr := decimal.NewFromFloat(*rule.Threshold)

	if rule.Direction == model.DirectionAbove {
		if ec.point.Price.GreaterThanOrEqual(thr) {
			return true, fmt.Sprintf("price at or above %s: now %s %s", thr, ec.point.Price, ec.point.Currency), nil
		}
		return false, "", nil
	}
	if ec.point.Price.LessThanOrEqual(thr) {
		return true, fmt.Sprintf("price at or below %s: now %s %s", thr, ec.point.Price, ec.point.Currency), nil
	}
	return false, "", nil
}

func evalPercentChange(rule *model.AlertRule, ec evalContext) (bool, string, error) {
	if rule.Percent == nil {
		return false, "", fmt.Errorf("%w: percent_change needs percent", ErrRuleEvaluation)
	}
	if ec.prev == nil {
		return false, "", nil
	}
	move, err := percentMove(ec)
	if err != nil {
		return false, "", err
	}
	if move.Abs().GreaterThanOrEqual(decimal.NewFromFloat(math.Abs(*rule.Percent))) {
		return true, fmt.Sprintf("price changed %s%%: now %s %s (was %s)",
			move.StringFixed(2), ec.point.Price, ec.point.Currency, ec.prev.Price), nil
	}
	return false, "", nil
}

// evalAnomaly fires when the new point is more than k sample standard
// deviations away from the mean of the trailing window
func (e *AlertEngine) evalAnomaly(rule *model.AlertRule, ec evalContext) (bool, string, error) {
	history := ec.history(e.cfg.AnomalyWindow)
	if len(history) < e.cfg.AnomalyMinSamples {
		return false, "", nil
	}

	prices := make([]float64, len(history))
	for i, p := range history {
		prices[i] = p.Float()
	}
	mean, std := trend.SampleStdDev(prices)
	if std == 0 {
		return false, "", nil
	}

	k := e.cfg.AnomalyK
	if rule.Threshold != nil && *rule.Threshold > 0 {
		k = *rule.Threshold
	}

	z := math.Abs(ec.point.Float()-mean) / std
	if z > k {
		return true, fmt.Sprintf("anomalous price %s %s: %.1f standard deviations from mean %.2f",
			ec.point.Price, ec.point.Currency, z, mean), nil
	}
	return false, "", nil
}

// validateRule checks that the rule carries the parameters its type needs
func validateRule(rule *model.AlertRule) error {
	if !rule.Type.Valid() {
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidRule, rule.Type)
	}
	if rule.ProductID <= 0 {
		return fmt.Errorf("%w: product id is required", ErrInvalidRule)
	}
	if rule.CooldownMinutes < 0 {
		return fmt.Errorf("%w: cooldown must not be negative", ErrInvalidRule)
	}
	if rule.Percent != nil && *rule.Percent <= 0 {
		return fmt.Errorf("%w: percent must be positive", ErrInvalidRule)
	}
	if rule.Threshold != nil && *rule.Threshold < 0 {
		return fmt.Errorf("%w: threshold must not be negative", ErrInvalidRule)
	}

	switch rule.Type {
	case model.RuleTypePriceDrop, model.RuleTypePriceRise:
		if rule.Threshold == nil && rule.Percent == nil {
			return fmt.Errorf("%w: %s needs threshold or percent", ErrInvalidRule, rule.Type)
		}
	case model.RuleTypePriceThreshold:
		if rule.Threshold == nil {
			return fmt.Errorf("%w: price_threshold needs threshold", ErrInvalidRule)
		}
	case model.RuleTypePercentChange:
		if rule.Percent == nil {
			return fmt.Errorf("%w: percent_change needs percent", ErrInvalidRule)
		}
	}

	switch rule.Direction {
	case "", model.DirectionBelow, model.DirectionAbove:
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidRule, rule.Direction)
	}

	switch rule.Channel {
	case model.ChannelApp:
	case model.ChannelEmail, model.ChannelWebhook:
		if rule.Target == "" {
			return fmt.Errorf("%w: %s channel needs a target", ErrInvalidRule, rule.Channel)
		}
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidRule, rule.Channel)
	}
	return nil
}
