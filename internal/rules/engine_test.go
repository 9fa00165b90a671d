package rules

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/junlov/quotey/internal/catalog"
)

func baseRuleset() catalog.RulesetSnapshot {
	return catalog.RulesetSnapshot{
		ID: "ruleset_1",
		Rules: []catalog.Rule{
			{
				RuleID: "base-1", Stage: catalog.StageBasePriceSelection, Family: catalog.FamilyPricingBase,
				Priority: 10, Specificity: 1, Condition: `$[?(@.sku=='sku-1')]`,
				Payload: json.RawMessage(`{"unit_price":"100.00"}`),
			},
			{
				RuleID: "adj-volume", Stage: catalog.StagePricingAdjustments, Family: catalog.FamilyPricingAdjust,
				Priority: 10, Specificity: 1, Condition: `$[?(@.quantity>=10)]`,
				Payload: json.RawMessage(`{"percent":"-0.05"}`),
			},
			{
				RuleID: "policy-cap", Stage: catalog.StagePolicyEnforcement, Family: catalog.FamilyDiscountPolicy,
				Priority: 10, Specificity: 1, Condition: `$[?(@.segment=='enterprise')]`,
				Payload: json.RawMessage(`{"max_discount_fraction":"0.10"}`),
			},
			{
				RuleID: "approval-mgr", Stage: catalog.StageApprovalRouting, Family: catalog.FamilyApprovalThresh,
				Priority: 10, Specificity: 1, Condition: `$[?(@.segment=='enterprise')]`,
				Payload: json.RawMessage(`{"role":"sales_manager","authority_rank":10}`),
			},
		},
	}
}

func TestEvaluateHappyPath(t *testing.T) {
	eng := NewEngine()
	rs := baseRuleset()
	cs := catalog.CatalogSnapshot{Products: []catalog.Product{{SKU: "sku-1", Currency: "USD", BasePrice: "100.00"}}}
	ctx := EvalContext{
		Account: "acct-1", Segment: "enterprise", Region: "us", Currency: "USD", Term: "annual",
		Lines: []LineInput{{LineID: "line-1", SKU: "sku-1", Quantity: 15}},
	}

	result, err := eng.Evaluate(ctx, rs, cs, nil)
	require.NoError(t, err)
	require.Len(t, result.Lines, 1)
	assert.Equal(t, "100.00", result.Lines[0].BaseUnitPrice.String())
	assert.Equal(t, "95.00", result.Lines[0].AdjustedUnitPrice.String())
	assert.Contains(t, result.RequiredApprovalRoles, "sales_manager")
}

func TestEvaluateMissingPriceData(t *testing.T) {
	eng := NewEngine()
	rs := catalog.RulesetSnapshot{}
	cs := catalog.CatalogSnapshot{}
	ctx := EvalContext{
		Currency: "USD",
		Lines:    []LineInput{{LineID: "line-1", SKU: "sku-unknown", Quantity: 1}},
	}
	_, err := eng.Evaluate(ctx, rs, cs, nil)
	require.Error(t, err)
	var missing *MissingPriceData
	assert.ErrorAs(t, err, &missing)
}

func TestEvaluateHardConstraintBlocks(t *testing.T) {
	eng := NewEngine()
	rs := catalog.RulesetSnapshot{Rules: []catalog.Rule{
		{
			RuleID: "block-1", Stage: catalog.StageHardConstraints, Family: catalog.FamilyConstraint,
			Priority: 10, Specificity: 1, Condition: `$[?(@.sku=='sku-1')]`,
			Payload: json.RawMessage(`{"blocking":true,"message":"requires approval flag"}`),
		},
	}}
	cs := catalog.CatalogSnapshot{Products: []catalog.Product{{SKU: "sku-1", Currency: "USD", BasePrice: "10.00"}}}
	ctx := EvalContext{
		Currency: "USD",
		Lines:    []LineInput{{LineID: "line-1", SKU: "sku-1", Quantity: 1}},
	}
	_, err := eng.Evaluate(ctx, rs, cs, nil)
	require.Error(t, err)
}

func TestEvaluatePolicyCapClampsDiscount(t *testing.T) {
	eng := NewEngine()
	rs := catalog.RulesetSnapshot{Rules: []catalog.Rule{
		{
			RuleID: "base-1", Stage: catalog.StageBasePriceSelection, Family: catalog.FamilyPricingBase,
			Priority: 10, Specificity: 1, Condition: `$[?(@.sku=='sku-1')]`,
			Payload: json.RawMessage(`{"unit_price":"100.00"}`),
		},
		{
			RuleID: "policy-cap", Stage: catalog.StagePolicyEnforcement, Family: catalog.FamilyDiscountPolicy,
			Priority: 10, Specificity: 1, Condition: "",
			Payload: json.RawMessage(`{"max_discount_fraction":"0.05"}`),
		},
	}}
	cs := catalog.CatalogSnapshot{Products: []catalog.Product{{SKU: "sku-1", Currency: "USD", BasePrice: "100.00"}}}
	requested := decimal.NewFromFloat(0.20)
	ctx := EvalContext{
		Currency: "USD",
		Lines:    []LineInput{{LineID: "line-1", SKU: "sku-1", Quantity: 1}},
	}
	result, err := eng.Evaluate(ctx, rs, cs, &requested)
	require.NoError(t, err)
	assert.True(t, result.Lines[0].PolicyCapApplied)
	assert.Equal(t, "95.00", result.Lines[0].FinalUnitPrice.String())
}
