package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"freelanco/internal/domain"
	"freelanco/internal/engine"
	"freelanco/internal/repo"
)

func chainCmd() *cobra.Command {
	chain := &cobra.Command{Use: "chain", Short: "Inspect and drive the local ledger"}
	chain.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the head block, chain time and escrow audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				head, err := e.Head(ctx)
				if err != nil {
					return err
				}
				held, owed, err := e.Escrow.Audit(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"block":       head.Block,
					"time":        head.Time,
					"escrow_held": held.String(),
					"escrow_owed": owed.String(),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Block: %d (time %d)\n", head.Block, head.Time)
				fmt.Printf("Escrow: holds %s, owes %s\n", formatEth(held.String()), formatEth(owed.String()))
				return nil
			})
		},
	})

	var blocks int64
	mine := &cobra.Command{
		Use:   "mine",
		Short: "Produce blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				head, err := e.Mine(ctx, caller(), blocks)
				if err != nil {
					return err
				}
				return printJSONOrTable(head)
			})
		},
	}
	mine.Flags().Int64VarP(&blocks, "blocks", "n", 1, "number of blocks")
	chain.AddCommand(mine)

	var seconds int64
	advance := &cobra.Command{
		Use:   "advance",
		Short: "Move chain time forward without mining",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				head, err := e.AdvanceTime(ctx, caller(), seconds)
				if err != nil {
					return err
				}
				return printJSONOrTable(head)
			})
		},
	}
	advance.Flags().Int64Var(&seconds, "seconds", 0, "seconds to advance")
	_ = advance.MarkFlagRequired("seconds")
	chain.AddCommand(advance)
	return chain
}

func walletCmd() *cobra.Command {
	wallet := &cobra.Command{Use: "wallet", Short: "Ledger balances"}
	wallet.AddCommand(&cobra.Command{
		Use:   "fund <address> <amount>",
		Short: "Credit an address from the development faucet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Fund(ctx, caller(), args[0], amount)
				if err != nil {
					return err
				}
				return printWallets([]domain.Wallet{w})
			})
		},
	})
	wallet.AddCommand(&cobra.Command{
		Use:   "balance [address]",
		Short: "Show a balance (defaults to --as)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address := caller()
			if len(args) == 1 {
				address = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Wallet(ctx, address)
				if err != nil {
					return err
				}
				return printWallets([]domain.Wallet{w})
			})
		},
	})
	wallet.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all non-zero balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Wallets(ctx)
				if err != nil {
					return err
				}
				return printWallets(items)
			})
		},
	})
	return wallet
}

func gigCmd() *cobra.Command {
	gig := &cobra.Command{Use: "gig", Short: "Freelancer gigs"}
	var uri string
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a gig owned by --as",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Escrow.MintGig(ctx, caller(), uri)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	mint.Flags().StringVar(&uri, "uri", "", "metadata URI")
	gig.AddCommand(mint)
	gig.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a gig",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Escrow.Gig(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	})
	return gig
}

func offerCmd() *cobra.Command {
	offer := &cobra.Command{
		Use:   "offer",
		Short: "Escrowed offers",
		Long:  "Offers move proposed -> approved -> completed. A client may withdraw a proposed offer; either party may dispute an approved one.",
	}

	var gigID int64
	var freelancer, terms, amountRaw string
	send := &cobra.Command{
		Use:   "send",
		Short: "Send an offer for a gig, escrowing the amount",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(amountRaw)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Escrow.SendOffer(ctx, caller(), gigID, freelancer, terms, amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	send.Flags().Int64Var(&gigID, "gig", 0, "gig id")
	send.Flags().StringVar(&freelancer, "freelancer", "", "freelancer (defaults to the gig owner)")
	send.Flags().StringVar(&terms, "terms", "", "terms of the offer")
	send.Flags().StringVar(&amountRaw, "amount", "", "amount, e.g. 1eth")
	_ = send.MarkFlagRequired("gig")
	_ = send.MarkFlagRequired("amount")
	offer.AddCommand(send)

	transitions := []struct {
		use, short string
		fn         func(e engine.Engine) func(ctx context.Context, caller string, offerID int64) (domain.Offer, error)
	}{
		{"approve <id>", "Accept an offer as its freelancer", func(e engine.Engine) func(context.Context, string, int64) (domain.Offer, error) {
			return e.Escrow.ApproveOffer
		}},
		{"complete <id>", "Release payment to the freelancer as the client", func(e engine.Engine) func(context.Context, string, int64) (domain.Offer, error) {
			return e.Escrow.CompleteOffer
		}},
		{"withdraw <id>", "Withdraw a proposed offer as the client", func(e engine.Engine) func(context.Context, string, int64) (domain.Offer, error) {
			return e.Escrow.WithdrawOffer
		}},
		{"claim <id>", "Release the funds of a resolved dispute (timelock only)", func(e engine.Engine) func(context.Context, string, int64) (domain.Offer, error) {
			return e.Escrow.ClaimDisputedFunds
		}},
	}
	for _, t := range transitions {
		pick := t.fn
		offer.AddCommand(&cobra.Command{
			Use:   t.use,
			Short: t.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					o, err := pick(e)(ctx, caller(), id)
					if err != nil {
						return err
					}
					return printJSONOrTable(o)
				})
			},
		})
	}

	var reason string
	dispute := &cobra.Command{
		Use:   "dispute <id>",
		Short: "Dispute an approved offer and open its governance proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Escrow.DisputeContract(ctx, caller(), id, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	dispute.Flags().StringVar(&reason, "reason", "", "why the offer is disputed")
	offer.AddCommand(dispute)

	var party, state string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Escrow.Offers(ctx, repo.OfferFilters{Party: party, State: state, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Gig", "Client", "Freelancer", "Amount", "State")
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.GigID, o.Client, o.Freelancer, formatEth(o.Amount), o.State})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&party, "party", "", "client or freelancer address")
	list.Flags().StringVar(&state, "state", "", "offer state")
	list.Flags().IntVar(&limit, "limit", 50, "max offers")
	offer.AddCommand(list)

	offer.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show an offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Escrow.Offer(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	})
	return offer
}

func boostCmd() *cobra.Command {
	var tier int
	var payment string
	var list bool
	cmd := &cobra.Command{
		Use:   "boost",
		Short: "Pay the treasury to boost --as's profile, or list boosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if list {
					items, err := e.Escrow.Boosts(ctx, caller())
					if err != nil {
						return err
					}
					return printJSONOrTable(items)
				}
				amount, err := parseAmount(payment)
				if err != nil {
					return err
				}
				b, err := e.Escrow.BoostProfile(ctx, caller(), tier, amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().IntVar(&tier, "tier", 0, "boost tier")
	cmd.Flags().StringVar(&payment, "payment", "", "payment, e.g. 0.1eth")
	cmd.Flags().BoolVar(&list, "list", false, "list boosts instead of buying one")
	return cmd
}

func printWallets(items []domain.Wallet) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("Address", "Balance (wei)", "Balance")
	for _, w := range items {
		tw.AppendRow(table.Row{w.Address, w.Balance, formatEth(w.Balance)})
	}
	tw.Render()
	return nil
}
