// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gamelist1990/BunProxy/pkg/metrics"
)

const (
	colorConnect    = 0x2ecc71
	colorDisconnect = 0xe74c3c

	dispatchTimeout = 5 * time.Second
)

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

// Dispatcher fires webhook notifications built from a flushed aggregator
// bucket. Delivery is fire-and-forget: a failed request is logged and
// otherwise has no effect on the forwarder.
type Dispatcher struct {
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher using an http.Client bounded by
// dispatchTimeout per request. m may be nil, in which case dispatch outcomes
// are simply not recorded.
func NewDispatcher(m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:  &http.Client{Timeout: dispatchTimeout},
		metrics: m,
		logger:  logger,
	}
}

// Send builds and posts a webhook notification for one flushed bucket. It
// returns immediately; the actual HTTP request runs on its own goroutine. A
// blank or whitespace-only url is silently skipped.
func (d *Dispatcher) Send(kind, url, protocol, target string, hosts map[string][]int) {
	if strings.TrimSpace(url) == "" {
		return
	}

	body := buildPayload(kind, protocol, target, hosts)

	go d.post(url, body)
}

// SendIdentity posts an identity-bearing join/leave notification: a login or
// logout that correlated with a known ip/protocol group, or an unqualified
// login/logout when no group is known. Unlike Send, this is not debounced —
// it is used for the control endpoint's immediate per-event dispatch.
func (d *Dispatcher) SendIdentity(kind, url, username, protocol, target, ip string, ports []int) {
	if strings.TrimSpace(url) == "" {
		return
	}

	body := buildIdentityPayload(kind, username, protocol, target, ip, ports)
	go d.post(url, body)
}

func buildIdentityPayload(kind, username, protocol, target, ip string, ports []int) webhookPayload {
	verb := "joined"
	color := colorConnect
	if kind == "leave" || kind == "logout" {
		verb = "left"
		color = colorDisconnect
	}

	var fields []embedField
	description := fmt.Sprintf("%s → %s", protocol, target)
	if ip != "" {
		portStrs := make([]string, len(ports))
		for i, p := range ports {
			portStrs[i] = strconv.Itoa(p)
		}
		fields = append(fields, embedField{Name: ip, Value: strings.Join(portStrs, ", "), Inline: true})
	} else {
		description = "no known address"
	}

	return webhookPayload{
		Embeds: []embed{
			{
				Title:       fmt.Sprintf("%s %s", username, verb),
				Description: description,
				Color:       color,
				Timestamp:   time.Now().UTC().Format(time.RFC3339),
				Fields:      fields,
				Footer:      &embedFooter{Text: fmt.Sprintf("%s • %s", protocol, target)},
			},
		},
	}
}

func buildPayload(kind, protocol, target string, hosts map[string][]int) webhookPayload {
	title := "Player connected"
	color := colorConnect
	if kind == string(kindDisconnect) {
		title = "Player disconnected"
		color = colorDisconnect
	}

	ips := make([]string, 0, len(hosts))
	for ip := range hosts {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	fields := make([]embedField, 0, len(ips))
	for _, ip := range ips {
		ports := hosts[ip]
		portStrs := make([]string, len(ports))
		for i, p := range ports {
			portStrs[i] = strconv.Itoa(p)
		}
		fields = append(fields, embedField{
			Name:   ip,
			Value:  strings.Join(portStrs, ", "),
			Inline: true,
		})
	}

	return webhookPayload{
		Embeds: []embed{
			{
				Title:       title,
				Description: fmt.Sprintf("%s → %s", protocol, target),
				Color:       color,
				Timestamp:   time.Now().UTC().Format(time.RFC3339),
				Fields:      fields,
				Footer:      &embedFooter{Text: fmt.Sprintf("%s • %s", protocol, target)},
			},
		},
	}
}

func (d *Dispatcher) post(url string, payload webhookPayload) {
	buf, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("failed to encode webhook payload", slog.String("error", err.Error()))
		d.observe("encode_error")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		d.logger.Error("failed to build webhook request", slog.String("error", err.Error()))
		d.observe("request_error")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("webhook dispatch failed", slog.String("url", url), slog.String("error", err.Error()))
		d.observe("dispatch_failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.logger.Warn("webhook dispatch rejected", slog.String("url", url), slog.Int("status", resp.StatusCode))
		d.observe("rejected")
		return
	}

	d.observe("success")
}

func (d *Dispatcher) observe(status string) {
	if d.metrics != nil {
		d.metrics.WebhookDispatchTotal.WithLabelValues(status).Inc()
	}
}
