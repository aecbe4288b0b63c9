package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"freelanco/internal/app"
	"freelanco/internal/bridge"
	"freelanco/internal/domain"
	"freelanco/internal/engine"
	"freelanco/internal/governance"
	"freelanco/internal/llm"
	"freelanco/internal/repo"
)

func nftCmd() *cobra.Command {
	nft := &cobra.Command{
		Use:   "nft",
		Short: "Voting eligibility credentials",
		Long:  "A credential is minted in two steps: 'nft request' pays the fee and asks for randomness; the VRF coordinator answers with 'nft fulfill'. The random word decides the tier.",
	}
	var payment string
	request := &cobra.Command{
		Use:   "request",
		Short: "Pay the mint fee and request a credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				amount := e.Config.MintFee()
				if payment != "" {
					v, err := parseAmount(payment)
					if err != nil {
						return err
					}
					amount = v
				}
				req, err := e.Issuer.RequestNft(ctx, caller(), amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	request.Flags().StringVar(&payment, "payment", "", "payment (defaults to the mint fee)")
	nft.AddCommand(request)

	var words []string
	fulfill := &cobra.Command{
		Use:   "fulfill <request-id>",
		Short: "Deliver random words as the VRF coordinator",
		Long:  "Without --word, fresh words are drawn and delivered as the configured coordinator. With --word, the words are delivered as --as.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var cred domain.Credential
				var err error
				if len(words) == 0 {
					cred, err = e.FulfillRandomness(ctx, args[0])
				} else {
					parsed := make([]*big.Int, 0, len(words))
					for _, raw := range words {
						w, ok := new(big.Int).SetString(raw, 10)
						if !ok {
							return fmt.Errorf("invalid word %q", raw)
						}
						parsed = append(parsed, w)
					}
					cred, err = e.Issuer.FulfillRandomWords(ctx, caller(), args[0], parsed)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(cred)
			})
		},
	}
	fulfill.Flags().StringSliceVar(&words, "word", nil, "decimal random word (repeatable)")
	nft.AddCommand(fulfill)

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Issuer.Credentials(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Owner", "Tier", "Weight", "Minted")
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Owner, c.Tier, e.Issuer.WeightForTier(c.Tier), c.MintedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&owner, "owner", "", "filter by owner")
	nft.AddCommand(list)
	return nft
}

func proposalCmd() *cobra.Command {
	prop := &cobra.Command{
		Use:   "proposal",
		Short: "Governance proposals",
		Long:  "Proposals go pending -> active -> succeeded/defeated -> queued -> executed. Disputes open them automatically; grants are proposed with 'grant propose'.",
	}

	var kind string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List proposals with their derived state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Governor.Proposals(ctx, repo.ProposalFilters{Kind: kind, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Kind", "State", "For", "Against", "Abstain", "Quorum", "Description")
				for _, p := range items {
					tw.AppendRow(table.Row{shortID(p.ID), p.Kind, p.State, p.Tally.For, p.Tally.Against, p.Tally.Abstain, p.Quorum, p.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "dispute_resolution or grant_request")
	list.Flags().IntVar(&limit, "limit", 50, "max proposals")
	prop.AddCommand(list)

	prop.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal with votes and compute requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Governor.State(ctx, args[0])
				if err != nil {
					return err
				}
				votes, err := e.Governor.Votes(ctx, p.ID)
				if err != nil {
					return err
				}
				reqs, err := e.Governor.ComputeRequests(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"proposal": p, "votes": votes, "compute_requests": reqs})
				}
				fmt.Printf("Proposal %s (%s) by %s: %s\n", p.ID, p.Kind, p.Proposer, p.State)
				fmt.Printf("  %s\n", p.Description)
				fmt.Printf("  voting blocks %d..%d, quorum %d\n", p.VotingDelayEnds, p.VotingPeriodEnds, p.Quorum)
				if p.ETA != nil {
					fmt.Printf("  eta %d\n", *p.ETA)
				}
				tw := newTable("Voter", "Support", "Weight", "Source", "Reason")
				for _, v := range votes {
					tw.AppendRow(table.Row{v.Voter, supportLabel(v.Support), v.Weight, v.Source, v.Reason})
				}
				tw.Render()
				for _, r := range reqs {
					fmt.Printf("  compute %s: %s\n", shortID(r.ID), r.Status)
				}
				return nil
			})
		},
	})

	var support, reason string
	vote := &cobra.Command{
		Use:   "vote <id>",
		Short: "Cast a weighted vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := parseSupport(support)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Governor.CastVoteWithReason(ctx, caller(), args[0], s, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	vote.Flags().StringVar(&support, "support", "", "for, against, abstain (or 1, 0, 2)")
	vote.Flags().StringVar(&reason, "reason", "", "reason")
	_ = vote.MarkFlagRequired("support")
	prop.AddCommand(vote)

	for _, step := range []struct {
		use, short string
		fn         func(g governance.Governor) func(ctx context.Context, caller, proposalID string, b *domain.Bundle) (domain.Proposal, error)
	}{
		{"queue <id>", "Queue a succeeded proposal behind the timelock", func(g governance.Governor) func(context.Context, string, string, *domain.Bundle) (domain.Proposal, error) {
			return g.Queue
		}},
		{"execute <id>", "Execute a queued proposal whose eta has passed", func(g governance.Governor) func(context.Context, string, string, *domain.Bundle) (domain.Proposal, error) {
			return g.Execute
		}},
	} {
		pick := step.fn
		prop.AddCommand(&cobra.Command{
			Use:   step.use,
			Short: step.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					p, err := pick(e.Governor)(ctx, caller(), args[0], nil)
					if err != nil {
						return err
					}
					return printJSONOrTable(p)
				})
			},
		})
	}

	prop.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a proposal (proposer while pending, guardian until execution)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Governor.Cancel(ctx, caller(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	prop.AddCommand(&cobra.Command{
		Use:   "settle <id>",
		Short: "Release the funds of a defeated dispute to the counterparty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Governor.SettleDefeated(ctx, caller(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	})

	var source string
	var computeArgs, secrets []string
	var subscription uint64
	var gasLimit uint32
	compute := &cobra.Command{
		Use:   "compute <id>",
		Short: "Ask the oracle network to classify the proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sealed := map[string]string{}
			for _, kv := range secrets {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid secret %q, want key=value", kv)
				}
				sealed[k] = v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if subscription == 0 && len(e.Config.Compute.Subscriptions) > 0 {
					subscription = e.Config.Compute.Subscriptions[0].ID
				}
				if gasLimit == 0 {
					gasLimit = e.Config.Compute.MaxGasLimit
				}
				req, err := e.Governor.ExecuteRequest(ctx, caller(), args[0], governance.ComputeParams{
					Source:         source,
					Secrets:        sealed,
					Args:           computeArgs,
					SubscriptionID: subscription,
					GasLimit:       gasLimit,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	compute.Flags().StringVar(&source, "source", "", "computation source (defaults to the configured one)")
	compute.Flags().StringArrayVar(&computeArgs, "arg", nil, "argument; the first is the dispute transcript")
	compute.Flags().StringArrayVar(&secrets, "secret", nil, "secret as key=value, sealed to the oracle network key")
	compute.Flags().Uint64Var(&subscription, "subscription", 0, "billing subscription id")
	compute.Flags().Uint32Var(&gasLimit, "gas-limit", 0, "callback gas limit")
	prop.AddCommand(compute)
	return prop
}

func grantCmd() *cobra.Command {
	grant := &cobra.Command{Use: "grant", Short: "Treasury grants"}
	var recipient, amountRaw, reason string
	propose := &cobra.Command{
		Use:   "propose",
		Short: "Propose a treasury grant to a recipient",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(amountRaw)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Governor.InitiateGrantProposal(ctx, caller(), reason, recipient, amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	propose.Flags().StringVar(&recipient, "recipient", "", "grant recipient")
	propose.Flags().StringVar(&amountRaw, "amount", "", "amount, e.g. 1eth")
	propose.Flags().StringVar(&reason, "reason", "", "reason")
	_ = propose.MarkFlagRequired("recipient")
	_ = propose.MarkFlagRequired("amount")
	grant.AddCommand(propose)
	return grant
}

func oracleCmd() *cobra.Command {
	oracle := &cobra.Command{Use: "oracle", Short: "Off-chain compute network"}

	var result, errMsg string
	var run bool
	fulfill := &cobra.Command{
		Use:   "fulfill <request-id>",
		Short: "Report a compute result as a transmitter (--as)",
		Long:  "Pass --result (0x hex) or --error, or --run to execute the request with the configured LLM.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set := 0
			for _, on := range []bool{result != "", errMsg != "", run} {
				if on {
					set++
				}
			}
			if set != 1 {
				return errors.New("exactly one of --result, --error or --run is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var res, errBlob []byte
				switch {
				case run:
					req, err := e.Registry.Request(ctx, args[0])
					if err != nil {
						return err
					}
					node := bridge.Node{
						PublicKey:  e.Config.Compute.DONPublicKey,
						PrivateKey: e.Config.Compute.DONPrivateKey,
						LLM:        llm.NewClient(e.Config.LLM, e.Logger),
						Logger:     e.Logger,
					}
					res, errBlob = node.Run(ctx, req)
				case result != "":
					parsed, err := bridge.ParseHexBytes(result)
					if err != nil {
						return err
					}
					res = parsed
				default:
					errBlob = []byte(errMsg)
				}
				req, err := e.Registry.FulfillAndBill(ctx, caller(), args[0], res, errBlob)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	fulfill.Flags().StringVar(&result, "result", "", "0x hex result")
	fulfill.Flags().StringVar(&errMsg, "error", "", "error message")
	fulfill.Flags().BoolVar(&run, "run", false, "run the request with the configured LLM")
	oracle.AddCommand(fulfill)

	oracle.AddCommand(&cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a compute request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Registry.Request(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	})

	var store bool
	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an oracle network key pair",
		Long:  "Prints a fresh key pair. With --store it replaces the key in the active config; secrets sealed to the old key can no longer be opened.",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := bridge.GenerateKeys()
			if err != nil {
				return err
			}
			if store {
				err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					e.Config.Compute.DONPublicKey, e.Config.Compute.DONPrivateKey = pub, priv
					return app.StoreConfig(ctx, e.Repo, e.Config)
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"public_key": pub, "private_key": priv, "stored": store})
			}
			fmt.Println("public key: ", pub)
			fmt.Println("private key:", priv)
			return nil
		},
	}
	keygen.Flags().BoolVar(&store, "store", false, "store the pair in the active config")
	oracle.AddCommand(keygen)
	return oracle
}

func parseSupport(raw string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "for", "yes":
		return domain.VoteFor, nil
	case "against", "no":
		return domain.VoteAgainst, nil
	case "abstain":
		return domain.VoteAbstain, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid support %q", raw)
	}
	return v, nil
}

func supportLabel(s int) string {
	switch s {
	case domain.VoteFor:
		return "for"
	case domain.VoteAgainst:
		return "against"
	case domain.VoteAbstain:
		return "abstain"
	}
	return strconv.Itoa(s)
}

func shortID(id string) string {
	if len(id) <= 14 {
		return id
	}
	return id[:10] + ".." + id[len(id)-4:]
}
