package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"group_ledger/internal/bot"
	"group_ledger/internal/storage/postgres"

	"github.com/google/subcommands"
)

type execCmd struct {
	user    string
	group   string
	name    string
	private bool
	members int
}

func (*execCmd) Name() string     { return "exec" }
func (*execCmd) Synopsis() string { return "run one chat command against the ledger and print the reply" }
func (*execCmd) Usage() string {
	return `groupledger exec [-user <id>] [-group <id>] [-name <display name>] [-private] [-members <n>] <command text>

  Handles the command text exactly as if it had been sent to the bot, using
  the configured record store, and prints the reply. For example:

    groupledger exec -user alice -group club 買入 台積電 2張 580
`
}

func (c *execCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "cli", "sender user id")
	f.StringVar(&c.group, "group", "cli", "chat (group) id")
	f.StringVar(&c.name, "name", "", "sender display name")
	f.BoolVar(&c.private, "private", false, "treat the chat as a one-to-one chat")
	f.IntVar(&c.members, "members", 0, "group member count (0 uses DEFAULT_MEMBER_COUNT)")
}

func (c *execCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	text := strings.TrimSpace(strings.Join(f.Args(), " "))
	if text == "" {
		fmt.Fprintln(os.Stderr, "missing command text")
		return subcommands.ExitUsageError
	}

	cfg, log, cleanup, err := setup(true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer cleanup()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	reply := a.bot.Handle(ctx, bot.Request{
		UserID:      c.user,
		GroupID:     c.group,
		DisplayName: c.name,
		Text:        text,
		Private:     c.private,
		MemberCount: c.members,
	})
	if reply == "" {
		fmt.Fprintln(os.Stderr, "(no reply)")
		return subcommands.ExitSuccess
	}
	fmt.Println(reply)
	return subcommands.ExitSuccess
}

type historyCmd struct {
	user  string
	group string
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "print the transaction log of the state directory" }
func (*historyCmd) Usage() string {
	return `groupledger history [-user <id>] [-group <id>]

  Prints every recorded buy, sell proposal and executed sale, oldest first.
  Only the file store (STATE_DIR) keeps a readable transaction log.
`
}

func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "only show this user's transactions")
	f.StringVar(&c.group, "group", "", "only show this group's transactions")
}

func (c *historyCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, log, cleanup, err := setup(true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer cleanup()

	fs, err := fileStore(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer fs.Close()

	records, err := fs.Transactions()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tGROUP\tUSER\tSIDE\tSTATUS\tINSTRUMENT\tSHARES\tPRICE\tAMOUNT\tVOTE")
	n := 0
	for _, r := range records {
		if c.user != "" && r.UserID != c.user {
			continue
		}
		if c.group != "" && r.GroupID != c.group {
			continue
		}
		user := r.UserName
		if user == "" {
			user = r.UserID
		}
		vote := r.VoteID
		if len(vote) > 8 {
			vote = vote[:8]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.RecordedAt.Format("2006-01-02 15:04"), r.GroupID, user, r.Side, r.Status,
			r.Instrument.Label(), r.Shares, r.Price.String(), r.TotalAmount.StringFixed(0), vote)
		n++
	}
	w.Flush()
	fmt.Fprintf(os.Stderr, "%d of %d records\n", n, len(records))
	return subcommands.ExitSuccess
}

type migrateCmd struct{}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply the Postgres schema migrations" }
func (*migrateCmd) Usage() string {
	return `groupledger migrate

  Applies the embedded schema migrations to DATABASE_URL. serve does the
  same on startup.
`
}

func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (*migrateCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, _, cleanup, err := setup(true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer cleanup()

	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set")
		return subcommands.ExitFailure
	}
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	fmt.Println("migrations applied")
	return subcommands.ExitSuccess
}
