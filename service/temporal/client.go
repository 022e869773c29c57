package temporal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"go.temporal.io/sdk/client"
)

// workflowStarter is the part of client.Client used to start watches.
type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// WatchDefaults fill in WatchInput fields left empty by Watch.
type WatchDefaults struct {
	Network     string
	Interval    time.Duration
	MaxAttempts int
}

// Client starts confirmation watches on Temporal. It implements txn.Watcher.
type Client struct {
	client    client.Client
	starter   workflowStarter
	taskQueue string
	defaults  WatchDefaults
	logger    *slog.Logger
}

var _ WatchStarter = (*Client)(nil)

// NewClient connects to Temporal.
func NewClient(host, namespace, taskQueue string, defaults WatchDefaults, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		starter:   c,
		taskQueue: taskQueue,
		defaults:  defaults,
		logger:    logger,
	}, nil
}

// WatchWorkflowID is the workflow ID for a signature's watch. Starting a
// watch for a signature that is already watched returns the running one.
func WatchWorkflowID(signature string) string {
	return "watch-" + signature
}

// StartWatch starts WatchSignatureWorkflow and returns its run ID.
func (c *Client) StartWatch(ctx context.Context, input WatchInput) (string, error) {
	id := WatchWorkflowID(input.Signature)

	run, err := c.starter.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
	}, WatchSignatureWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start watch",
			"signature", input.Signature,
			"workflow_id", id,
			"error", err,
		)
		return "", fmt.Errorf("failed to start watch %q: %w", id, err)
	}

	c.logger.Info("confirmation watch started",
		"signature", input.Signature,
		"wallet", input.Wallet,
		"network", input.Network,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return run.GetRunID(), nil
}

// Watch starts a watch using the client's defaults.
func (c *Client) Watch(ctx context.Context, sig solanago.Signature, wallet string) error {
	_, err := c.StartWatch(ctx, WatchInput{
		Signature:   sig.String(),
		Wallet:      wallet,
		Network:     c.defaults.Network,
		Interval:    c.defaults.Interval,
		MaxAttempts: c.defaults.MaxAttempts,
	})
	return err
}

// SDKClient returns the underlying Temporal SDK client.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	if c.client != nil {
		c.client.Close()
	}
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
