package printerobserver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// gcodeRequest posts a single G-code script to Klipper's Moonraker-style
// /printer/gcode/script endpoint, the transport all action primitives in
// this file reduce to.
func (c *Client) gcodeRequest(ctx context.Context, script string) error {
	endpoint := c.BaseURL + "/printer/gcode/script?script=" + url.QueryEscape(script)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("printerobserver: building gcode request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("printerobserver: gcode request %q: %w", script, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("printerobserver: gcode request %q returned %s", script, resp.Status)
	}
	return nil
}

// Pause issues the printer's pause action primitive.
func (c *Client) Pause(ctx context.Context) error {
	return c.gcodeRequest(ctx, "PAUSE")
}

// Resume issues the printer's resume action primitive.
func (c *Client) Resume(ctx context.Context) error {
	return c.gcodeRequest(ctx, "RESUME")
}

// Cancel issues the printer's cancel action primitive.
func (c *Client) Cancel(ctx context.Context) error {
	return c.gcodeRequest(ctx, "CANCEL_PRINT")
}

// RunGCode issues an arbitrary G-code line, per spec §6's run_gcode(line)
// action primitive.
func (c *Client) RunGCode(ctx context.Context, line string) error {
	if strings.TrimSpace(line) == "" {
		return fmt.Errorf("printerobserver: empty gcode line")
	}
	return c.gcodeRequest(ctx, line)
}

// SetTemperature issues hotend and bed setpoints, used by the orchestrator's
// RFID-completion auto_set_temperature side effect (spec §4.4).
func (c *Client) SetTemperature(ctx context.Context, hotend, bed float64) error {
	if err := c.gcodeRequest(ctx, fmt.Sprintf("M104 S%.1f", hotend)); err != nil {
		return err
	}
	return c.gcodeRequest(ctx, fmt.Sprintf("M140 S%.1f", bed))
}
