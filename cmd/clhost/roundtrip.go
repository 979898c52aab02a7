package main

import (
	"fmt"
	"math/rand"

	"github.com/fxnlabs/clhost/pkg/ocl"
	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli/v2"
	"github.com/x448/float16"
	"go.uber.org/fx"
	"go.uber.org/multierr"
)

func roundTripCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "roundtrip",
		Usage: "Write random data to a device buffer, read it back and compare",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "length", Value: 1 << 16, Usage: "Number of elements"},
			&cli.StringFlag{Name: "type", Value: "float32", Usage: "Element type: float32, float64, half, int32 or uint8"},
			&cli.Int64Flag{Name: "seed", Value: 1, Usage: "Random seed"},
		},
		Action: func(c *cli.Context) error {
			var q ocl.Queue
			app := fx.New(
				deviceModule(st.cfg, st.logger.Named("roundtrip")),
				fx.Populate(&q),
			)
			if err := app.Start(c.Context); err != nil {
				return err
			}

			n := c.Int("length")
			rng := rand.New(rand.NewSource(c.Int64("seed")))
			var err error
			switch typ := c.String("type"); typ {
			case "float32":
				err = roundTrip(q, n, func() float32 { return rng.Float32() })
			case "float64":
				err = roundTrip(q, n, rng.NormFloat64)
			case "half":
				err = roundTrip(q, n, func() float16.Float16 { return float16.Fromfloat32(float32(rng.Intn(2048)) / 8) })
			case "int32":
				err = roundTrip(q, n, rng.Int31)
			case "uint8":
				err = roundTrip(q, n, func() uint8 { return uint8(rng.Intn(256)) })
			default:
				err = fmt.Errorf("unknown element type %q", typ)
			}
			err = multierr.Append(err, app.Stop(c.Context))
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "round trip of %d %s elements ok\n", n, c.String("type"))
			return nil
		},
	}
}

// roundTrip uploads n generated values and checks the device returns them
// unchanged.
func roundTrip[T ocl.Elem](q ocl.Queue, n int, gen func() T) error {
	values := make([]T, n)
	for i := range values {
		values[i] = gen()
	}

	buf, err := ocl.NewBuffer[T](q, n)
	if err != nil {
		return err
	}
	defer buf.Release()

	ev, err := buf.WriteAsync(values)
	if err != nil {
		return err
	}
	defer ev.Release()
	got, err := buf.ReadSync(ev)
	if err != nil {
		return err
	}
	if diff := cmp.Diff(values, got); diff != "" {
		return fmt.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	return nil
}
