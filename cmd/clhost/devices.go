package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/common-nighthawk/go-figure"
	"github.com/dustin/go-humanize"
	"github.com/fxnlabs/clhost/internal/driver"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
)

func devicesCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List platforms and devices exposed by the configured driver",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "banner", Usage: "Print a banner above the table"},
		},
		Action: func(c *cli.Context) error {
			manager, err := driver.NewManager(st.cfg.Driver, st.logger)
			if err != nil {
				return err
			}
			defer manager.Cleanup()

			if c.Bool("banner") {
				fmt.Fprintln(c.App.Writer, figure.NewFigure("clhost", "", true).String())
			}
			return printDevices(c.App.Writer, manager.Driver())
		},
	}
}

func printDevices(w io.Writer, drv driver.Driver) error {
	platforms, err := drv.Platforms()
	if err != nil {
		return err
	}

	var data [][]string
	for _, p := range platforms {
		pinfo, err := drv.PlatformInfo(p)
		if err != nil {
			return err
		}
		devices, err := drv.Devices(p, driver.DeviceTypeAll)
		if err != nil {
			return err
		}
		for idx, d := range devices {
			info, err := drv.DeviceInfo(d)
			if err != nil {
				return err
			}
			data = append(data, []string{
				pinfo.Name,
				strconv.Itoa(idx),
				info.Name,
				info.Type.String(),
				strconv.Itoa(info.ComputeUnits),
				humanize.IBytes(uint64(info.GlobalMemBytes)),
			})
		}
	}

	fmt.Fprintf(w, "driver: %s\n", drv.Name())
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"PLATFORM", "INDEX", "DEVICE", "TYPE", "COMPUTE UNITS", "MEMORY"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}
