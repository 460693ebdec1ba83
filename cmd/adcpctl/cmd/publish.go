package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"github.com/austindbirch/adcp_webhooks/internal/delivery"
	"github.com/austindbirch/adcp_webhooks/internal/tracing"
)

// newPublisher connects to nsqd. Replaced in tests.
var newPublisher = func(addr string) (delivery.Publisher, func(), error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, nil, err
	}
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, nil, fmt.Errorf("nsqd unreachable: %w", err)
	}
	return p, p.Stop, nil
}

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a business event to the dispatcher intake topic",
	Long: `Publish an event onto the NSQ intake topic. The dispatcher resolves the
subscribed destinations and delivers it.

Example:
  adcpctl publish --tenant acme --principal buyer_1 --class delivery_report \
    --data '{"media_buy_id":"mb_1","impressions":1200}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		principal, _ := cmd.Flags().GetString("principal")
		class, _ := cmd.Flags().GetString("class")
		nsqd, _ := cmd.Flags().GetString("nsqd")
		topic, _ := cmd.Flags().GetString("topic")

		raw, err := readPayload(cmd)
		if err != nil {
			return err
		}
		payload, err := parseJSON(string(raw))
		if err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}

		ctx, span := tracing.Start(context.Background(), "adcpctl.publish")
		defer span.End()

		ev, err := buildEvent(ctx, tenant, principal, class, payload)
		if err != nil {
			return err
		}
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}

		pub, stop, err := newPublisher(nsqd)
		if err != nil {
			return fmt.Errorf("failed to connect to nsqd: %w", err)
		}
		defer stop()
		if err := pub.Publish(topic, body); err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			return printOutput(w, map[string]any{"topic": topic, "event": ev})
		}
		fmt.Fprintf(w, "Published %s event to %s\n", ev.EventClass, topic)
		fmt.Fprintf(w, "  Tenant: %s\n", ev.TenantID)
		fmt.Fprintf(w, "  Principal: %s\n", ev.PrincipalID)
		return nil
	},
}

// buildEvent assembles an intake event carrying the caller's trace context.
func buildEvent(ctx context.Context, tenant, principal, class string, payload map[string]any) (delivery.Event, error) {
	var missing []string
	if tenant == "" {
		missing = append(missing, "--tenant")
	}
	if principal == "" {
		missing = append(missing, "--principal")
	}
	if class == "" {
		missing = append(missing, "--class")
	}
	if len(missing) > 0 {
		return delivery.Event{}, fmt.Errorf("required flags not set: %s", strings.Join(missing, ", "))
	}
	ev := delivery.Event{
		TenantID:    tenant,
		PrincipalID: principal,
		EventClass:  class,
		Payload:     payload,
	}
	if h := tracing.Carrier(ctx); len(h) > 0 {
		ev.TraceHeaders = h
	}
	return ev, nil
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("tenant", "", "tenant id")
	publishCmd.Flags().String("principal", "", "principal (buyer) id")
	publishCmd.Flags().String("class", "", "event class, e.g. delivery_report")
	publishCmd.Flags().String("data", "", "event payload as a JSON object")
	publishCmd.Flags().String("file", "", "read the payload from a file (- for stdin)")
	publishCmd.Flags().String("nsqd", "localhost:4150", "nsqd TCP address")
	publishCmd.Flags().String("topic", "webhook_events", "intake topic")
}
