package loki

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Chichichkin/EnclaveLogRelay/internal/forward"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const pushPath = "/loki/api/v1/push"

type Sender struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	labels     map[string]string
	log        *logrus.Entry
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type Payload struct {
	Streams []Stream `json:"streams"`
}

// NewLokiSender builds a sender for baseURL. labels are attached to every
// stream; entry labels take precedence.
func NewLokiSender(baseURL string, maxRetries int, labels map[string]string, log *logrus.Entry) *Sender {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Sender{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		maxRetries: maxRetries,
		retryDelay: time.Second,
		labels:     labels,
		log:        log.WithField("component", "loki"),
	}
}

func (ls *Sender) SendBatch(entries []forward.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	payload := ls.createPayload(entries)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	for i := 0; i < ls.maxRetries; i++ {
		err = ls.sendRequest(body)
		if err == nil {
			ls.log.Debugf("Sent batch of %d entries to Loki", len(entries))
			return nil
		}

		if i < ls.maxRetries-1 {
			ls.log.Warnf("Retry %d/%d after error: %v", i+1, ls.maxRetries, err)
			time.Sleep(time.Duration(i+1) * ls.retryDelay)
		}
	}

	return fmt.Errorf("failed to send batch after %d attempts: %w", ls.maxRetries, err)
}

// createPayload groups entries by label set, keeping their order within a stream.
func (ls *Sender) createPayload(entries []forward.Entry) Payload {
	streams := make(map[string]int)
	payload := Payload{}

	for _, entry := range entries {
		labels := ls.createLabels(entry)
		key := streamKey(labels)
		idx, exists := streams[key]
		if !exists {
			idx = len(payload.Streams)
			streams[key] = idx
			payload.Streams = append(payload.Streams, Stream{
				Stream: labels,
				Values: [][2]string{},
			})
		}

		timestamp := strconv.FormatInt(entry.Timestamp.UnixNano(), 10)
		payload.Streams[idx].Values = append(payload.Streams[idx].Values, [2]string{timestamp, entry.Message})
	}

	return payload
}

func streamKey(labels map[string]string) string {
	// jsoniter sorts map keys, so equal label sets give equal keys
	key, _ := json.MarshalToString(labels)
	return key
}

func (ls *Sender) createLabels(entry forward.Entry) map[string]string {
	labels := map[string]string{
		"job": "enclave-log-relay",
	}

	for k, v := range ls.labels {
		labels[k] = v
	}
	for k, v := range entry.Labels {
		labels[k] = v
	}

	return labels
}

func (ls *Sender) sendRequest(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, ls.baseURL+pushPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := ls.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("loki returned status %d: %s", resp.StatusCode, string(responseBody))
	}

	return nil
}
