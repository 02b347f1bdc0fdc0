package crash_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-ingestion-router/utils/crash"
)

func TestWrapper(t *testing.T) {
	crash.Configure(logger.NOP, crash.PanicWrapperOpts{AppVersion: "test"})
	t.Cleanup(func() { crash.Default = &crash.NOOP{} })

	err := crash.Wrapper("consumer", func() error { return errors.New("fetch failed") })()
	require.EqualError(t, err, "fetch failed")

	require.PanicsWithValue(t, "boom", func() {
		_ = crash.Wrapper("consumer", func() error { panic("boom") })()
	})
}
