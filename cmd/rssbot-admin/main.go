// Command rssbot-admin is a thin administrative CLI for managing feeds
// directly against the store, for operators who don't want to go
// through the direct-message command processor (spec.md §9 / out of
// scope for the daemon itself but supplied for completeness). Grounded
// in original_source/feed_manager.py's list/add/delete surface and
// original_source/bulk_add.py's stdin token-parsing/community-name
// inference for bulk-add, with spf13/cobra for argument parsing instead
// of a hand-rolled flag switch.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andrewmoise/rssbot/internal/config"
	"github.com/andrewmoise/rssbot/internal/lemmyapi"
	"github.com/andrewmoise/rssbot/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rssbot-admin:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rssbot-admin",
		Short: "Manage rssbot feeds directly against the store",
	}
	root.AddCommand(newListCmd(), newAddCmd(), newDeleteCmd(), newBulkAddCmd())
	return root
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return store.Open(cfg.Database.GetConnectionString())
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every configured feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			feeds, err := st.ListFeeds()
			if err != nil {
				return err
			}
			for _, f := range feeds {
				fmt.Printf("Community: %s, RSS URL: %s\n", f.CommunityKey, f.FeedURL)
			}
			return nil
		},
	}
}

func newAddCmd() *cobra.Command {
	var identity string
	cmd := &cobra.Command{
		Use:   "add <rss_url> <community_key>",
		Short: "Add a feed to a community",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.Open(cfg.Database.GetConnectionString())
			if err != nil {
				return err
			}
			defer st.Close()

			client, err := lemmyapi.New(&cfg.Lemmy, config.BotIdentity(identity), nil, promptPassword)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			return addFeed(client, st, args[0], args[1], identity)
		},
	}
	cmd.Flags().StringVar(&identity, "identity", string(config.BotFree), "bot identity to publish as (free, paywall, bot)")
	return cmd
}

// addFeed resolves communityKey against the publishing server and
// records feedURL in the store, sharing the same resolve-then-persist
// sequence used by both the single-feed and bulk-add commands.
func addFeed(client *lemmyapi.Client, st *store.Store, feedURL, communityKey, identity string) error {
	community, err := client.ResolveCommunity(context.Background(), communityKey)
	if err != nil {
		return fmt.Errorf("resolve community: %w", err)
	}
	if community == nil {
		return fmt.Errorf("community not found: %s", communityKey)
	}

	if _, err := st.AddFeed(feedURL, communityKey, community.ID, identity); err != nil {
		return err
	}
	fmt.Printf("Added feed %s for community %s.\n", feedURL, communityKey)
	return nil
}

// bulkAddURLPattern extracts a default community name (the second
// capture group) from a bare feed URL token, matching
// original_source/bulk_add.py's url_pattern exactly:
// `https?://([^/]*?)([a-zA-Z0-9_-]+)\.([a-zA-Z0-9_-]+)/.*`.
var bulkAddURLPattern = regexp.MustCompile(`^https?://([^/]*?)([a-zA-Z0-9_-]+)\.([a-zA-Z0-9_-]+)/.*`)

func newBulkAddCmd() *cobra.Command {
	var identity string
	cmd := &cobra.Command{
		Use:   "bulk-add",
		Short: "Add many feeds from whitespace-separated tokens on stdin",
		Long: `Reads whitespace-separated tokens from stdin. Each token that looks
like a feed URL is added under a community name inferred from its
domain (the host label just before the TLD), unless it is
immediately followed by an explicit community-name token (one
containing an underscore whose prefix before the underscore also
appears in the URL token), in which case that name is used instead and
the token is consumed.

Adapted from original_source/bulk_add.py.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.Open(cfg.Database.GetConnectionString())
			if err != nil {
				return err
			}
			defer st.Close()

			client, err := lemmyapi.New(&cfg.Lemmy, config.BotIdentity(identity), nil, promptPassword)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			return bulkAdd(client, st, os.Stdin, identity)
		},
	}
	cmd.Flags().StringVar(&identity, "identity", string(config.BotFree), "bot identity to publish as (free, paywall, bot)")
	return cmd
}

func bulkAdd(client *lemmyapi.Client, st *store.Store, in io.Reader, identity string) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	tokens := strings.Fields(string(data))

	for i := 0; i < len(tokens); i++ {
		token := tokens[i]
		m := bulkAddURLPattern.FindStringSubmatch(token)
		if m == nil {
			continue
		}
		communityName := m[2]

		if i+1 < len(tokens) {
			next := tokens[i+1]
			if prefix, _, ok := strings.Cut(next, "_"); ok && strings.Contains(token, prefix) {
				communityName = next
				i++
			}
		}

		fmt.Printf("Feed URL: %s, Community Name: %s\n", token, communityName)
		if err := addFeed(client, st, token, communityName, identity); err != nil {
			fmt.Fprintf(os.Stderr, "rssbot-admin: bulk-add %s: %v\n", token, err)
		}
	}
	return nil
}

func newDeleteCmd() *cobra.Command {
	var communityKey string
	cmd := &cobra.Command{
		Use:   "delete <rss_url>",
		Short: "Remove a feed by URL, optionally scoped to a community",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedURL := args[0]

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			var communityKeyPtr *string
			if communityKey != "" {
				communityKeyPtr = &communityKey
			}
			n, err := st.RemoveFeed(communityKeyPtr, &feedURL)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d feed(s) matching %s.\n", n, feedURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&communityKey, "community", "", "restrict deletion to this community key")
	return cmd
}

func promptPassword(username, server string) (string, error) {
	fmt.Fprintf(os.Stderr, "password for %s@%s: ", username, server)
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return "", err
	}
	return password, nil
}
