package usecase_test

import (
	"context"
	"errors"
	"testing"

	"compress-queue/internal/usecase"

	"github.com/stretchr/testify/assert"
)

func TestShutdown_RunsStepsInOrder(t *testing.T) {
	var order []string
	step := func(name string) usecase.CloseStep {
		return usecase.CloseStep{Name: name, Close: func(context.Context) error {
			order = append(order, name)
			return nil
		}}
	}

	lc := usecase.NewLifecycle(testLogger(), step("http-server"), step("subscriptions"), step("broker"))
	lc.Shutdown(context.Background())

	assert.Equal(t, []string{"http-server", "subscriptions", "broker"}, order)
}

func TestShutdown_FailingStepDoesNotAbort(t *testing.T) {
	var order []string
	lc := usecase.NewLifecycle(testLogger(),
		usecase.CloseStep{Name: "http-server", Close: func(context.Context) error {
			order = append(order, "http-server")
			return errors.New("listener already gone")
		}},
		usecase.CloseStep{Name: "broker", Close: func(context.Context) error {
			order = append(order, "broker")
			return nil
		}},
	)

	lc.Shutdown(context.Background())

	assert.Equal(t, []string{"http-server", "broker"}, order)
}

func TestShutdown_Idempotent(t *testing.T) {
	calls := 0
	lc := usecase.NewLifecycle(testLogger(), usecase.CloseStep{
		Name: "broker",
		Close: func(context.Context) error {
			calls++
			return nil
		},
	})

	lc.Shutdown(context.Background())
	lc.Shutdown(context.Background())

	assert.Equal(t, 1, calls, "repeated shutdown must not re-run steps")
}
