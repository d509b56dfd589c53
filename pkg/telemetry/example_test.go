package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/warden/pkg/telemetry"
	"github.com/openfroyo/warden/pkg/types"
)

// Example_basicSetup demonstrates basic telemetry initialization.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	cfg.Metrics.Enabled = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		fmt.Println("setup failed:", err)
		return
	}
	defer tel.Shutdown(context.Background())

	fmt.Println(tel.Config.ServiceName)
	// Output: warden
}

// Example_structuredLogging shows the fields components attach to log lines.
func Example_structuredLogging() {
	logger := telemetry.NewWriterLogger(os.Stdout, "info")

	uuid := types.InstanceUUID("6f1c0a52-3d1e-4a4e-9d5c-0c8f3a1b2c3d")
	logger = logger.NewComponentLogger("instance").WithInstance(uuid, "lobby")

	logger.Debug("not shown below info")
	logger.WithMacroPID(7).WithError(errors.New("boom")).Error("macro failed")

	// Output varies, no output specified
}

// Example_instrumentedOperation demonstrates an operation that is logged,
// traced and timed together.
func Example_instrumentedOperation() {
	tel := telemetry.NewNopTelemetry()

	op := tel.StartOperation(context.Background(), "instance.start")
	time.Sleep(time.Millisecond)
	tel.Metrics.RecordLifecycleOp("start", "ok", op.Timer.Duration())
	op.End(nil)

	fmt.Println(telemetry.FromContext(op.Ctx) != nil)
	// Output: true
}
