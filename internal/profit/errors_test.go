package profit

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRecovery(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Recovery
	}{
		{"canceled", context.Canceled, RecoveryFatal},
		{"wrapped canceled", fmt.Errorf("load: %w", context.Canceled), RecoveryFatal},
		{"deadline", context.DeadlineExceeded, RecoveryFallback},
		{"untagged", errors.New("connection reset"), RecoveryFallback},
		{"validation", newError(KindValidation, CodeInvalidCostRange, "bad"), RecoveryFatal},
		{"business rule", newError(KindBusinessRule, CodeReturnCostNotAllowed, "no"), RecoveryFatal},
		{"order not found", newError(KindDataIntegrity, CodeOrderNotFound, "missing"), RecoveryFatal},
		{"invalid identifier", newError(KindDataIntegrity, CodeInvalidIdentifier, "bad id"), RecoveryFatal},
		{"product missing", newError(KindDataIntegrity, CodeProductNotFound, "missing"), RecoveryFallback},
		{"tenant config", newError(KindTenantConfig, CodeTenantConfigMissing, "missing"), RecoveryFallback},
		{"calculation", newError(KindCalculation, CodeNonFiniteResult, "nan"), RecoveryFallback},
		{"storage", wrapStorage(errors.New("boom"), "load"), RecoveryFallback},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyRecovery(tc.err))
		})
	}
}

func TestWrapStorage(t *testing.T) {
	timeout := wrapStorage(fmt.Errorf("query: %w", context.DeadlineExceeded), "load order")
	assert.Equal(t, CodeTimeout, timeout.Code)
	assert.Equal(t, KindSystem, timeout.Kind)
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)

	tagged := newError(KindDataIntegrity, CodeLeadBatchInUse, "in use")
	assert.Same(t, tagged, wrapStorage(tagged, "delete"))
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil))
	assert.Equal(t, "packagingCost cannot be negative",
		UserMessage(fieldError(KindValidation, CodeInvalidCostRange, "packagingCost", -1, "packagingCost cannot be negative")))
	assert.Equal(t, "The order could not be found.", UserMessage(newError(KindDataIntegrity, CodeOrderNotFound, "order not found")))
	assert.Equal(t, genericUserMessage, UserMessage(wrapStorage(errors.New("pq: password authentication failed"), "load")))
	assert.Equal(t, genericUserMessage, UserMessage(errors.New("raw")))
}

func TestErrorStringCarriesScope(t *testing.T) {
	err := newError(KindDataIntegrity, CodeOrderNotFound, "order not found").scoped("t1", "o1")
	assert.Equal(t, "profit: ORDER_NOT_FOUND: order not found [tenant=t1 order=o1]", err.Error())

	var plain error = newError(KindValidation, CodeRequiredField, "missing")
	scopeErr(plain, "t2", "o2")
	assert.Contains(t, plain.Error(), "[tenant=t2 order=o2]")
}
