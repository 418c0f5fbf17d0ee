package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wolfman30/waitlist-backfill/internal/backfill"
	"github.com/wolfman30/waitlist-backfill/internal/events"
)

func newPublishCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Send an event to the slot events queue",
	}
	cmd.AddCommand(newSlotFreedCmd(a))
	cmd.AddCommand(newSlotBookedCmd(a))
	cmd.AddCommand(newReplyCmd(a, "claim", events.TypeClaimRequested))
	cmd.AddCommand(newReplyCmd(a, "decline", events.TypeOfferDeclined))
	cmd.AddCommand(newMessageCmd(a))
	return cmd
}

func newSlotFreedCmd(a *app) *cobra.Command {
	var (
		slot       backfill.Slot
		start, end string
	)
	c := &cobra.Command{
		Use:   "slot-freed",
		Short: "Report a slot that opened up",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if slot.StartTime, err = time.Parse(time.RFC3339, start); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if slot.EndTime, err = time.Parse(time.RFC3339, end); err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			if !slot.EndTime.After(slot.StartTime) {
				return fmt.Errorf("--end must be after --start")
			}
			slot.Status = backfill.SlotOpen
			return a.publish(cmd, events.TypeSlotFreed, slot.OrgID, events.SlotFreedV1{Slot: slot})
		},
	}
	f := c.Flags()
	f.StringVar(&slot.ID, "slot-id", "", "slot identifier")
	f.StringVar(&slot.OrgID, "org", "", "organization id")
	f.StringVar(&slot.StaffID, "staff", "", "staff member id")
	f.StringVar(&slot.ServiceID, "service", "", "service id")
	f.StringVar(&slot.ServiceName, "service-name", "", "service display name")
	f.StringVar(&slot.StaffName, "staff-name", "", "staff display name")
	f.StringVar(&start, "start", "", "slot start (RFC3339)")
	f.StringVar(&end, "end", "", "slot end (RFC3339)")
	for _, name := range []string{"slot-id", "org", "service", "start", "end"} {
		_ = c.MarkFlagRequired(name)
	}
	return c
}

func newSlotBookedCmd(a *app) *cobra.Command {
	var orgID, slotID string
	c := &cobra.Command{
		Use:   "slot-booked",
		Short: "Report a slot booked outside the backfill flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.publish(cmd, events.TypeSlotBooked, orgID, events.SlotBookedV1{SlotID: slotID})
		},
	}
	c.Flags().StringVar(&orgID, "org", "", "organization id")
	c.Flags().StringVar(&slotID, "slot-id", "", "slot identifier")
	_ = c.MarkFlagRequired("slot-id")
	return c
}

func newReplyCmd(a *app, use, eventType string) *cobra.Command {
	var (
		orgID string
		reply events.OfferReplyV1
	)
	c := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Send a structured %s for an offer", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(reply.OfferID) == "" && strings.TrimSpace(reply.ClaimRef) == "" {
				return fmt.Errorf("one of --offer-id or --ref is required")
			}
			return a.publish(cmd, eventType, orgID, reply)
		},
	}
	c.Flags().StringVar(&orgID, "org", "", "organization id")
	c.Flags().StringVar(&reply.OfferID, "offer-id", "", "offer id")
	c.Flags().StringVar(&reply.ClaimRef, "ref", "", "claim reference sent with the offer")
	c.Flags().StringVar(&reply.Claimant, "claimant", "", "customer id or phone number of the sender")
	_ = c.MarkFlagRequired("claimant")
	return c
}

func newMessageCmd(a *app) *cobra.Command {
	var orgID string
	var msg events.MessageReceivedV1
	c := &cobra.Command{
		Use:   "message",
		Short: "Inject a raw inbound message as if the provider delivered it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.publish(cmd, events.TypeMessageReceived, orgID, msg)
		},
	}
	c.Flags().StringVar(&orgID, "org", "", "organization id")
	c.Flags().StringVar(&msg.From, "from", "", "sender phone number")
	c.Flags().StringVar(&msg.Body, "body", "", "message text")
	_ = c.MarkFlagRequired("from")
	_ = c.MarkFlagRequired("body")
	return c
}

func (a *app) publish(cmd *cobra.Command, eventType, orgID string, payload any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
	defer cancel()

	env, err := events.NewEnvelope(eventType, orgID, payload)
	if err != nil {
		return err
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}
	q, err := a.openQueue(ctx)
	if err != nil {
		return err
	}
	if err := q.Send(ctx, body); err != nil {
		return fmt.Errorf("send %s: %w", eventType, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s %s\n", eventType, env.EventID)
	return nil
}
