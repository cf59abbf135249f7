package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/sealbid/httpapi"
	"github.com/textileio/sealbid/lib/auction"
	"github.com/textileio/sealbid/lib/common"
	"github.com/textileio/sealbid/lib/dshelper"
	"github.com/textileio/sealbid/lib/finalizer"
	"github.com/textileio/sealbid/service"
	"github.com/textileio/sealbid/service/commitment"
	"github.com/textileio/sealbid/service/notify"
	"github.com/textileio/sealbid/service/registry"
)

var (
	cliName           = "sealbid"
	defaultConfigPath = filepath.Join(os.Getenv("HOME"), "."+cliName)
	log               = golog.Logger(cliName)
	v                 = viper.New()

	auctionsListFields = []string{"ID", "ChannelID", "CreatorID", "State", "Deadline", "OpenedAt",
		"ClosedAt", "CloseTrigger"}

	handleRegexp = regexp.MustCompile(`@[\w.-]+`)
)

func init() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(repoPath(), ".env"))

	rootCmd.AddCommand(daemonCmd, auctionsCmd, startCmd, bidCmd, closeCmd, cancelCmd, extendCmd,
		playersCmd, pokeCmd, resolutionCmd)
	auctionsCmd.AddCommand(auctionsListCmd, auctionsShowCmd, auctionsHistoryCmd, auctionsRedeliverCmd)

	commonFlags := []common.Flag{
		{
			Name:        "http-port",
			DefValue:    "9999",
			Description: "HTTP API listen port",
		},
	}
	daemonFlags := []common.Flag{
		{
			Name:        "repo-path",
			DefValue:    "",
			Description: "Repo path; default is $SEALBID_PATH or ~/.sealbid",
		},
		{
			Name:        "seal-key",
			DefValue:    "",
			Description: "Hex-encoded 32 byte commitment encryption key; default is a key generated in the repo",
		},
		{
			Name:        "default-min-participants",
			DefValue:    auction.DefaultMinParticipants,
			Description: "Minimum qualifying commitments of auctions that don't set one",
		},
		{
			Name:        "default-tie-break",
			DefValue:    auction.TieBreakEarliestSubmission.String(),
			Description: "Tie-break policy of auctions that don't set one (earliest, lowest_id)",
		},
		{
			Name:        "default-visibility",
			DefValue:    auction.VisibilityAll.String(),
			Description: "Bid visibility of auctions that don't set one (none, creator, all)",
		},
		{
			Name:        "default-duration",
			DefValue:    time.Duration(0),
			Description: "Duration of auctions started without a deadline; zero means no deadline",
		},
		{
			Name:        "max-duration",
			DefValue:    7 * 24 * time.Hour,
			Description: "Maximum time from now to an auction deadline; zero means unbounded",
		},
		{
			Name:        "store-retries",
			DefValue:    registry.DefaultConfig.StoreRetries,
			Description: "Attempts of datastore operations failing transiently",
		},
		{
			Name:        "store-retry-interval",
			DefValue:    registry.DefaultConfig.StoreRetryInterval,
			Description: "First delay between datastore attempts",
		},
		{
			Name:        "resolve-retry-delay",
			DefValue:    registry.DefaultConfig.ResolveRetryDelay,
			Description: "Delay before retrying the resolution of a closed auction",
		},
		{
			Name:        "membership-url",
			DefValue:    "",
			Description: "Base URL of the channel membership lookup; default is to accept everyone",
		},
		{
			Name:        "membership-timeout",
			DefValue:    registry.DefaultConfig.MembershipTimeout,
			Description: "Timeout of each membership lookup",
		},
		{
			Name:        "webhook-url",
			DefValue:    "",
			Description: "URL receiving auction events as JSON",
		},
		{
			Name:        "redis-addr",
			DefValue:    "",
			Description: "Redis address auction events are published to",
		},
		{
			Name:        "redis-channel",
			DefValue:    "sealbid.events",
			Description: "Redis channel auction events are published to",
		},
		{
			Name:        "notify-timeout",
			DefValue:    10 * time.Second,
			Description: "Timeout of each event delivery attempt",
		},
		{
			Name:        "notify-attempts",
			DefValue:    5,
			Description: "Delivery attempts per event",
		},
		{
			Name:        "notify-concurrency",
			DefValue:    4,
			Description: "Number of event delivery workers",
		},
		{
			Name:        "submit-rate",
			DefValue:    1.0,
			Description: "Sustained commitments per second allowed per participant; zero disables limiting",
		},
		{
			Name:        "submit-burst",
			DefValue:    5,
			Description: "Commitments a participant may send in a burst",
		},
		{Name: "otlp-endpoint", DefValue: "", Description: "OTLP gRPC collector endpoint for metrics"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level log"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}
	jsonFlags := []common.Flag{{Name: "json", DefValue: false,
		Description: "output in json format instead of tabular print"}}
	auctionsListFlags := []common.Flag{
		{Name: "state", DefValue: "", Description: "filter by auction states, separated by comma"},
		{Name: "channel", DefValue: "", Description: "filter by channel"},
		{Name: "limit", DefValue: 0, Description: "maximum number of auctions; -1 for all"},
	}
	startFlags := []common.Flag{
		{Name: "creator", DefValue: "", Description: "creator of the auction; required"},
		{Name: "duration", DefValue: time.Duration(0), Description: "time until the auction closes"},
		{Name: "no-deadline", DefValue: false, Description: "only close manually or when everyone committed"},
		{Name: "min-participants", DefValue: 0, Description: "minimum qualifying commitments"},
		{Name: "tie-break", DefValue: "", Description: "tie-break policy (earliest, lowest_id)"},
		{Name: "reserve", DefValue: "", Description: "reserve price"},
		{Name: "visibility", DefValue: "", Description: "bid visibility (none, creator, all)"},
		{Name: "value-kind", DefValue: "", Description: "commitment value kind (monetary, payload)"},
		{Name: "close-when-all-committed", DefValue: false,
			Description: "close as soon as every listed participant committed"},
		{Name: "participants", DefValue: "", Description: "participant handles, such as '@alice @bob'"},
	}
	resolutionFlags := []common.Flag{{Name: "requester", DefValue: "",
		Description: "participant asking; controls which bids are visible"}}

	cobra.OnInitialize(func() {
		v.SetConfigType("json")
		v.SetConfigName("config")
		v.AddConfigPath(os.Getenv("SEALBID_PATH"))
		v.AddConfigPath(defaultConfigPath)
		_ = v.ReadInConfig()
	})

	common.ConfigureCLI(v, "SEALBID", commonFlags, rootCmd.PersistentFlags())
	common.ConfigureCLI(v, "SEALBID", daemonFlags, daemonCmd.PersistentFlags())
	common.ConfigureCLI(v, "SEALBID", jsonFlags, auctionsCmd.PersistentFlags())
	common.ConfigureCLI(v, "SEALBID", auctionsListFlags, auctionsListCmd.PersistentFlags())
	common.ConfigureCLI(v, "SEALBID", startFlags, startCmd.PersistentFlags())
	common.ConfigureCLI(v, "SEALBID", resolutionFlags, resolutionCmd.PersistentFlags())
}

var rootCmd = &cobra.Command{
	Use:   cliName,
	Short: "Sealbid runs sealed-bid auctions for chat channels",
	Long: `Sealbid runs sealed-bid auctions for chat channels.

Participants commit secret bids that nobody can see until the auction closes.
Monetary auctions are won by the highest bidder, who pays the second highest
price.

To get started, run 'sealbid daemon'.
`,
	Args: cobra.ExactArgs(0),
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the auction daemon",
	Long: `Run the auction daemon.

sealbid uses a repository in the local file system. By default, the repo is
located at ~/.sealbid. To change the repo location, set the $SEALBID_PATH
environment variable:

    export SEALBID_PATH=/path/to/sealbidrepo
`,
	Args: cobra.ExactArgs(0),
	PersistentPreRun: func(c *cobra.Command, args []string) {
		common.ExpandEnvVars(v, v.AllSettings())
		err := common.ConfigureLogging(v, []string{
			cliName,
			"sealbid/service",
			"sealbid/registry",
			"sealbid/store",
			"sealbid/commitment",
			"sealbid/scheduler",
			"sealbid/notify",
			"sealbid/membership",
			"sealbid/api",
		})
		common.CheckErrf("setting log levels: %v", err)
	},
	Run: func(c *cobra.Command, args []string) {
		settings, err := common.MarshalConfig(v, !v.GetBool("log-json"), "seal-key")
		common.CheckErrf("marshaling config: %v", err)
		log.Infof("loaded config: %s", string(settings))

		fin := finalizer.NewFinalizer()
		repo := v.GetString("repo-path")
		if repo == "" {
			repo = repoPath()
		}
		store, err := dshelper.NewBadgerTxnDatastore(filepath.Join(repo, "datastore"))
		common.CheckErrf("creating datastore: %v", err)
		fin.Add(store)

		shutdown, err := common.SetupInstrumentation(context.Background(), cliName, v.GetString("otlp-endpoint"))
		common.CheckErrf("booting instrumentation: %v", err)
		fin.AddShutdown(shutdown)

		config, err := daemonConfig(repo)
		common.CheckErrf("reading config: %v", err)

		serv, err := service.New(config, store)
		common.CheckErrf("starting service: %v", err)
		fin.Add(serv)

		api, err := httpapi.NewServer(":"+v.GetString("http-port"), serv)
		common.CheckErrf("creating http API server: %v", err)
		fin.Add(api)

		common.HandleInterrupt(func() {
			common.CheckErr(fin.Cleanupf("closing service: %v", nil))
		})
	},
}

func daemonConfig(repo string) (service.Config, error) {
	tieBreak, err := auction.TieBreakByString(v.GetString("default-tie-break"))
	if err != nil {
		return service.Config{}, err
	}
	visibility, err := auction.VisibilityByString(v.GetString("default-visibility"))
	if err != nil {
		return service.Config{}, err
	}
	rc := registry.DefaultConfig
	rc.Defaults.MinParticipants = v.GetInt("default-min-participants")
	rc.Defaults.TieBreak = tieBreak
	rc.Defaults.Visibility = visibility
	rc.DefaultDuration = v.GetDuration("default-duration")
	rc.MaxDuration = v.GetDuration("max-duration")
	rc.StoreRetries = v.GetInt("store-retries")
	rc.StoreRetryInterval = v.GetDuration("store-retry-interval")
	rc.ResolveRetryDelay = v.GetDuration("resolve-retry-delay")
	rc.MembershipTimeout = v.GetDuration("membership-timeout")

	return service.Config{
		RepoPath:      repo,
		SealKey:       v.GetString("seal-key"),
		Registry:      rc,
		MembershipURL: v.GetString("membership-url"),
		Notify: notify.Config{
			Workers:        v.GetInt("notify-concurrency"),
			Attempts:       v.GetInt("notify-attempts"),
			AttemptTimeout: v.GetDuration("notify-timeout"),
		},
		WebhookURL:   v.GetString("webhook-url"),
		RedisAddr:    v.GetString("redis-addr"),
		RedisChannel: v.GetString("redis-channel"),
		SubmitRate:   v.GetFloat64("submit-rate"),
		SubmitBurst:  v.GetInt("submit-burst"),
	}, nil
}

var auctionsCmd = &cobra.Command{
	Use: "auctions",
	Aliases: []string{
		"auction",
	},
	Short: "Inspect auctions",
	Long:  "Inspect auctions.",
	Args:  cobra.ExactArgs(0),
}

var auctionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List auctions, optionally filtered by state or channel",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		params := url.Values{}
		if state := v.GetString("state"); state != "" {
			params.Set("state", state)
		}
		if channel := v.GetString("channel"); channel != "" {
			params.Set("channel", channel)
		}
		if limit := v.GetInt("limit"); limit != 0 {
			params.Set("limit", fmt.Sprint(limit))
		}
		u := urlFor("auctions")
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		var list []auction.Auction
		call(http.MethodGet, u, nil, &list)
		if v.GetBool("json") {
			printJSON(list)
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.DiscardEmptyColumns)
		for i, a := range list {
			if i == 0 {
				for _, field := range auctionsListFields {
					_, err := fmt.Fprintf(w, "%s\t", field)
					common.CheckErr(err)
				}
				_, err := fmt.Fprintln(w, "")
				common.CheckErr(err)
			}
			value := reflect.ValueOf(a)
			for _, field := range auctionsListFields {
				_, err := fmt.Fprintf(w, "%s\t", formatValue(value.FieldByName(field)))
				common.CheckErr(err)
			}
			_, err := fmt.Fprintln(w, "")
			common.CheckErr(err)
		}
		_ = w.Flush()
	},
}

var auctionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the status of one auction",
	Long:  `Show the status of one auction, specified by the ID, which can be obtained by 'sealbid auctions list'`,
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		var st auction.Status
		call(http.MethodGet, urlFor("auctions", args[0]), nil, &st)
		if v.GetBool("json") {
			printJSON(st)
			return
		}
		printFields(st)
	},
}

var auctionsHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the submission ledger of a finished auction",
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		var entries []commitment.LedgerEntry
		call(http.MethodGet, urlFor("auctions", args[0], "history"), nil, &entries)
		if v.GetBool("json") {
			printJSON(entries)
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
		_, _ = fmt.Fprintln(w, "Entry\tParticipant\tSubmitted\tSupersedes\t")
		for _, e := range entries {
			_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n",
				e.EntryID, e.Participant, humanize.Time(e.SubmittedAt), e.Supersedes)
			common.CheckErr(err)
		}
		_ = w.Flush()
	},
}

var auctionsRedeliverCmd = &cobra.Command{
	Use:   "redeliver <id>",
	Short: "Publish the event of an auction's current state again",
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		call(http.MethodPost, urlFor("auctions", args[0], "redeliver"), nil, nil)
		fmt.Println("Event queued for delivery.")
	},
}

var startCmd = &cobra.Command{
	Use:   "start <channel>",
	Short: "Start a sealed-bid auction in a channel",
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		req, err := startRequest(args[0])
		common.CheckErr(err)
		var a auction.Auction
		call(http.MethodPost, urlFor("auctions"), req, &a)
		deadline := "no deadline"
		if a.HasDeadline() {
			deadline = "closes " + humanize.Time(a.Deadline)
		}
		fmt.Printf("Started auction %s in %s (%s).\n", a.ID, a.ChannelID, deadline)
	},
}

func startRequest(channel string) (httpapi.StartAuctionRequest, error) {
	req := httpapi.StartAuctionRequest{
		ChannelID:    auction.ChannelID(channel),
		CreatorID:    auction.ParticipantID(strings.TrimPrefix(v.GetString("creator"), "@")),
		NoDeadline:   v.GetBool("no-deadline"),
		Participants: parseHandles(v.GetString("participants")),
	}
	if req.CreatorID == "" {
		return req, fmt.Errorf("--creator is required")
	}
	if d := v.GetDuration("duration"); d > 0 {
		req.Duration = d.String()
	}
	req.Config.MinParticipants = v.GetInt("min-participants")
	req.Config.CloseWhenAllCommitted = v.GetBool("close-when-all-committed")
	var err error
	if s := v.GetString("tie-break"); s != "" {
		if req.Config.TieBreak, err = auction.TieBreakByString(s); err != nil {
			return req, err
		}
	}
	if s := v.GetString("visibility"); s != "" {
		if req.Config.Visibility, err = auction.VisibilityByString(s); err != nil {
			return req, err
		}
	}
	if s := v.GetString("value-kind"); s != "" {
		if req.Config.ValueKind, err = auction.ValueKindByString(s); err != nil {
			return req, err
		}
	}
	if s := v.GetString("reserve"); s != "" {
		rp, err := decimal.NewFromString(s)
		if err != nil {
			return req, fmt.Errorf("parsing reserve price: %s", err)
		}
		req.Config.ReservePrice = &rp
	}
	return req, nil
}

var bidCmd = &cobra.Command{
	Use:   "bid <auction> <participant> <value>",
	Short: "Commit a sealed bid, replacing any earlier one",
	Args:  cobra.ExactArgs(3),
	Run: func(c *cobra.Command, args []string) {
		var ack registry.Ack
		call(http.MethodPost, urlFor("auctions", args[0], "commitments"), httpapi.CommitRequest{
			Participant: auction.ParticipantID(strings.TrimPrefix(args[1], "@")),
			Value:       args[2],
		}, &ack)
		verb := "Committed"
		if ack.Replaced {
			verb = "Replaced"
		}
		fmt.Printf("%s bid of %s; %d participants have committed.\n", verb, ack.Participant, ack.ParticipantCount)
		if ack.Closed {
			fmt.Println("Everyone committed; the auction is closed.")
		}
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <auction> <requester>",
	Short: "Close an auction now and resolve it",
	Args:  cobra.ExactArgs(2),
	Run: func(c *cobra.Command, args []string) {
		call(http.MethodPost, urlFor("auctions", args[0], "close"), requester(args[1]), nil)
		fmt.Println("Auction closed.")
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <auction> <requester>",
	Short: "Cancel an auction without revealing any bid",
	Args:  cobra.ExactArgs(2),
	Run: func(c *cobra.Command, args []string) {
		call(http.MethodPost, urlFor("auctions", args[0], "cancel"), requester(args[1]), nil)
		fmt.Println("Auction cancelled.")
	},
}

var extendCmd = &cobra.Command{
	Use:   "extend <auction> <requester> <duration>",
	Short: "Move the deadline of an auction to the given duration from now",
	Args:  cobra.ExactArgs(3),
	Run: func(c *cobra.Command, args []string) {
		d, err := time.ParseDuration(args[2])
		common.CheckErrf("parsing duration: %v", err)
		var a auction.Auction
		call(http.MethodPost, urlFor("auctions", args[0], "extend"), httpapi.ExtendRequest{
			Requester: auction.ParticipantID(strings.TrimPrefix(args[1], "@")),
			Duration:  d.String(),
		}, &a)
		fmt.Printf("Auction now closes %s.\n", humanize.Time(a.Deadline))
	},
}

var playersCmd = &cobra.Command{
	Use:   "players <channel> <requester> <@handle>...",
	Short: "Set the participants of the channel's next auctions",
	Args:  cobra.MinimumNArgs(3),
	Run: func(c *cobra.Command, args []string) {
		handles := parseHandles(strings.Join(args[2:], " "))
		if len(handles) == 0 {
			common.CheckErr(fmt.Errorf("no handles found; use '@name' for each participant"))
		}
		var res httpapi.PlayersResponse
		call(http.MethodPut, urlFor("channels", args[0], "players"), httpapi.PlayersRequest{
			Requester:    auction.ParticipantID(strings.TrimPrefix(args[1], "@")),
			Participants: handles,
		}, &res)
		fmt.Printf("Participants of %s: %s\n", args[0], mentions(res.Roster.Participants))
		if len(res.Dropped) > 0 {
			fmt.Printf("Not channel members, ignored: %s\n", mentions(res.Dropped))
		}
	},
}

var pokeCmd = &cobra.Command{
	Use:   "poke <auction>",
	Short: "List participants that have not committed yet",
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		var pending []auction.ParticipantID
		call(http.MethodGet, urlFor("auctions", args[0], "pending"), nil, &pending)
		if len(pending) == 0 {
			fmt.Println("Everyone has committed.")
			return
		}
		fmt.Printf("Still waiting for: %s\n", mentions(pending))
	},
}

var resolutionCmd = &cobra.Command{
	Use:   "resolution <auction>",
	Short: "Show the outcome of a finished auction",
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		u := urlFor("auctions", args[0], "resolution")
		if r := v.GetString("requester"); r != "" {
			u += "?" + url.Values{"requester": {strings.TrimPrefix(r, "@")}}.Encode()
		}
		var res auction.Resolution
		call(http.MethodGet, u, nil, &res)
		printJSON(res)
	},
}

func main() {
	common.CheckErr(rootCmd.Execute())
}

func repoPath() string {
	if p := os.Getenv("SEALBID_PATH"); p != "" {
		return p
	}
	return defaultConfigPath
}

func urlFor(parts ...string) string {
	u := "http://127.0.0.1:" + v.GetString("http-port")
	if len(parts) > 0 {
		escaped := make([]string, len(parts))
		for i, p := range parts {
			escaped[i] = url.PathEscape(p)
		}
		u += "/" + path.Join(escaped...)
	}
	return u
}

// call sends body as JSON and decodes the response into out, if not nil. Non-2xx responses
// end the process.
func call(method, u string, body, out interface{}) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		common.CheckErr(err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, u, r)
	common.CheckErr(err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	common.CheckErr(err)
	defer func() {
		err := res.Body.Close()
		common.CheckErr(err)
	}()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		b, _ := io.ReadAll(res.Body)
		log.Fatalf("%s: %s", res.Status, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return
	}
	common.CheckErr(json.NewDecoder(res.Body).Decode(out))
}

func requester(r string) httpapi.RequesterRequest {
	return httpapi.RequesterRequest{Requester: auction.ParticipantID(strings.TrimPrefix(r, "@"))}
}

// parseHandles extracts distinct '@name' handles, without the '@', in order of appearance.
func parseHandles(s string) []auction.ParticipantID {
	var handles []auction.ParticipantID
	seen := make(map[string]struct{})
	for _, h := range handleRegexp.FindAllString(s, -1) {
		h = strings.TrimPrefix(h, "@")
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		handles = append(handles, auction.ParticipantID(h))
	}
	return handles
}

func mentions(ps []auction.ParticipantID) string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = "@" + string(p)
	}
	return strings.Join(out, " ")
}

func formatValue(val reflect.Value) string {
	if t, ok := val.Interface().(time.Time); ok {
		if t.IsZero() {
			return "-"
		}
		return humanize.Time(t)
	}
	s := fmt.Sprint(val.Interface())
	if s == "" {
		return "-"
	}
	return s
}

func printFields(x interface{}) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
	typ := reflect.TypeOf(x)
	value := reflect.ValueOf(x)
	for i := 0; i < typ.NumField(); i++ {
		_, err := fmt.Fprintf(w, "%s:\t%s\n", typ.Field(i).Name, formatValue(value.Field(i)))
		common.CheckErr(err)
	}
	_ = w.Flush()
}

func printJSON(x interface{}) {
	b, err := json.MarshalIndent(x, "", "\t")
	common.CheckErr(err)
	fmt.Println(string(b))
}
