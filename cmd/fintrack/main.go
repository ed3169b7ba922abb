package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/fintrack/internal/advisor"
	"github.com/stellarlinkco/fintrack/internal/config"
	"github.com/stellarlinkco/fintrack/internal/finance"
	"github.com/stellarlinkco/fintrack/internal/gateway"
	"github.com/stellarlinkco/fintrack/internal/ledger"
	"github.com/stellarlinkco/fintrack/internal/llm"
	"github.com/stellarlinkco/fintrack/internal/session"
)

// ClientFactory creates the remote chat client (allows mocking in tests)
type ClientFactory func(cfg *config.Config) session.ChatClient

func DefaultClientFactory(cfg *config.Config) session.ChatClient {
	return llm.NewClientFromConfig(cfg)
}

// AskOptions for running ask with custom dependencies
type AskOptions struct {
	ClientFactory ClientFactory
	Transactions  gateway.TransactionSource
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "fintrack",
	Short: "fintrack - personal finance tracker with an AI advisor",
}

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Ask the advisor a single question or start a REPL",
	RunE:  runAsk,
}

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Manage ledger transactions",
}

var txAddCmd = &cobra.Command{
	Use:   "add [description]",
	Short: "Record a transaction",
	RunE:  runTxAdd,
}

var txListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent transactions",
	RunE:  runTxList,
}

var txImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import transactions from CSV (date,amount,category,description)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTxImport,
}

var txClassifyCmd = &cobra.Command{
	Use:   "classify <description>",
	Short: "Show the category a description would get",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTxClassify,
}

var budgetCmd = &cobra.Command{
	Use:   "budget <monthly income>",
	Short: "Recommend a monthly budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runBudget,
}

var festivalCmd = &cobra.Command{
	Use:   "festival <name>",
	Short: "Budgeting tips for a festival",
	Args:  cobra.ExactArgs(1),
	RunE:  runFestival,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (channels + scheduled digests)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and ledger",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fintrack status",
	RunE:  runStatus,
}

var (
	messageFlag  string
	localFlag    bool
	amountFlag   float64
	categoryFlag string
	descFlag     string
	dateFlag     string
	limitFlag    int
)

func init() {
	askCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single question to ask")
	askCmd.Flags().BoolVar(&localFlag, "local", false, "Answer with the local advisor only")

	txAddCmd.Flags().Float64VarP(&amountFlag, "amount", "a", 0, "Signed amount: positive income, negative expense")
	txAddCmd.Flags().StringVarP(&categoryFlag, "category", "c", "", "Category (classified from the description when empty)")
	txAddCmd.Flags().StringVarP(&descFlag, "desc", "d", "", "Description")
	txAddCmd.Flags().StringVar(&dateFlag, "date", "", "Date as YYYY-MM-DD (default today)")
	_ = txAddCmd.MarkFlagRequired("amount")
	txListCmd.Flags().IntVarP(&limitFlag, "limit", "n", 20, "Number of transactions to show, 0 for all")

	txCmd.AddCommand(txAddCmd, txListCmd, txImportCmd, txClassifyCmd)
	rootCmd.AddCommand(askCmd, txCmd, budgetCmd, festivalCmd, gatewayCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newAdvisor(cfg *config.Config) *advisor.Advisor {
	adv := advisor.New()
	if err := adv.LoadRules(cfg.Advisor.RulesFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	return adv
}

func openLedger() (*config.Config, *ledger.Store, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	return cfg, store, nil
}

// runAsk is the command handler that uses default options
func runAsk(cmd *cobra.Command, args []string) error {
	return runAskWithOptions(AskOptions{})
}

// runAskWithOptions runs the advisor with injectable dependencies for testing
func runAskWithOptions(opts AskOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	factory := opts.ClientFactory
	if factory == nil {
		factory = DefaultClientFactory
	}

	src := opts.Transactions
	if src == nil {
		store, err := ledger.Open(cfg.LedgerPath())
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer store.Close()
		src = store
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	remote := cfg.Advisor.RemoteEnabled && !localFlag
	if remote && cfg.Provider.APIKey == "" {
		fmt.Fprintln(stderr, "API key not set, answering locally. Run 'fintrack onboard' or set FINTRACK_API_KEY / OPENAI_API_KEY")
		remote = false
	}
	var client session.ChatClient
	if remote {
		client = factory(cfg)
	}

	// The calling goroutine drains the queue, so all output is written here.
	q := session.NewQueue()
	sess := session.New(session.Options{
		Client:        client,
		Advisor:       newAdvisor(cfg),
		Preamble:      cfg.Advisor.Preamble,
		Dispatcher:    q,
		RemoteEnabled: remote,
		Streaming:     cfg.Advisor.Stream,
		MaxHistory:    cfg.Advisor.MaxHistory,
	})
	defer sess.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	days := cfg.Advisor.ContextDays
	if days <= 0 {
		days = config.DefaultContextDays
	}
	ask := func(question string) error {
		txs, err := src.Since(time.Now().AddDate(0, 0, -days))
		if err != nil {
			return fmt.Errorf("load transactions: %w", err)
		}
		res, streamed, err := askOnce(ctx, sess, q, question, txs, stdout)
		if err != nil {
			return err
		}
		printResult(res, streamed, stdout, stderr)
		return nil
	}

	// Single message mode
	if messageFlag != "" {
		return ask(messageFlag)
	}

	// REPL mode
	fmt.Fprintln(stdout, "fintrack advisor (type 'exit' to quit, '/reset' to start over)")
	scanner := bufio.NewScanner(stdin)
	for ctx.Err() == nil {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "/reset":
			if err := sess.Reset(); err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
			} else {
				fmt.Fprintln(stdout, "Conversation reset.")
			}
			continue
		case "/local":
			sess.SetRemoteEnabled(false)
			fmt.Fprintln(stdout, "Using the local advisor.")
			continue
		case "/remote":
			if client == nil {
				fmt.Fprintln(stderr, "Remote advisor unavailable: API key not set.")
			} else {
				sess.SetRemoteEnabled(true)
				fmt.Fprintln(stdout, "Using the remote advisor.")
			}
			continue
		}

		if err := ask(input); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
	}
	return nil
}

// askOnce runs one turn and pumps the session queue until it completes.
// Interrupting ctx cancels the request; the turn still completes.
func askOnce(ctx context.Context, sess *session.Session, q *session.Queue, question string, txs []finance.Transaction, out io.Writer) (llm.Result, bool, error) {
	loopCtx, done := context.WithCancel(context.Background())
	defer done()

	var res llm.Result
	streamed := false
	sess.OnFragment(func(fragment string) {
		streamed = true
		fmt.Fprint(out, fragment)
	})
	sess.OnComplete(func(r llm.Result) {
		res = r
		done()
	})

	if err := sess.Ask(ctx, question, txs); err != nil {
		return llm.Result{}, false, err
	}
	release := context.AfterFunc(ctx, sess.Cancel)
	defer release()

	_ = q.Run(loopCtx)
	return res, streamed, nil
}

func printResult(res llm.Result, streamed bool, stdout, stderr io.Writer) {
	if streamed {
		fmt.Fprintln(stdout)
	}
	switch {
	case res.Source == llm.SourceFallback:
		fmt.Fprintf(stderr, "(remote advisor unavailable: %v; answered locally)\n", res.Err)
		fmt.Fprintln(stdout, res.Text)
	case res.Err != nil:
		fmt.Fprintln(stderr, res.Text)
	case !streamed:
		fmt.Fprintln(stdout, res.Text)
	}
}

func runTxAdd(cmd *cobra.Command, args []string) error {
	cfg, store, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	date := time.Now()
	if dateFlag != "" {
		date, err = time.ParseInLocation(finance.DateLayout, dateFlag, time.Local)
		if err != nil {
			return fmt.Errorf("parse date: %w", err)
		}
	}
	desc := descFlag
	if desc == "" {
		desc = strings.Join(args, " ")
	}

	adv := newAdvisor(cfg)
	category := categoryFlag
	if category == "" {
		category = string(adv.Classify(desc))
	}

	tx, err := store.Add(finance.Transaction{Date: date, Amount: amountFlag, Category: category, Description: desc})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Added %s\n", formatTx(tx))
	if adv.DetectAbnormal(tx, nil) {
		fmt.Fprintf(out, "注意：这是一笔超过 %d 元的大额交易。\n", advisor.AbnormalThreshold)
	}
	return nil
}

func runTxList(cmd *cobra.Command, args []string) error {
	_, store, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	txs, err := store.List(limitFlag)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(txs) == 0 {
		fmt.Fprintln(out, "No transactions. Add one with 'fintrack tx add'.")
		return nil
	}
	for _, tx := range txs {
		fmt.Fprintln(out, formatTx(tx))
	}
	income, expense := finance.Totals(txs)
	fmt.Fprintf(out, "\n%d transactions, income %.2f, expense %.2f\n", len(txs), income, expense)
	return nil
}

func runTxImport(cmd *cobra.Command, args []string) error {
	cfg, store, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	report, err := store.ImportCSV(f, newAdvisor(cfg))
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Imported %d, skipped %d\n", report.Imported, report.Skipped)
	for _, e := range report.Errors {
		fmt.Fprintf(out, "  %s\n", e)
	}
	return err
}

func runTxClassify(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	desc := strings.Join(args, " ")
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", desc, newAdvisor(cfg).Classify(desc))
	return nil
}

func runBudget(cmd *cobra.Command, args []string) error {
	income, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("parse income: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "月收入 %.2f 元的预算建议：\n%s\n", income, advisor.New().BudgetPlan(income))
	return nil
}

func runFestival(cmd *cobra.Command, args []string) error {
	fmt.Fprintln(cmd.OutOrStdout(), advisor.New().FestivalAdvice(args[0]))
	return nil
}

func formatTx(tx finance.Transaction) string {
	return fmt.Sprintf("#%-4d %s %s %10.2f  %s  %s",
		tx.ID, tx.Date.Format(finance.DateLayout), tx.TypeLabel(), tx.Amount, tx.Category, tx.Description)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		fmt.Fprintln(os.Stderr, "API key not set, chats will be answered by the local advisor")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		cfg.Advisor.RulesFile = filepath.Join(cfgDir, "rules.yaml")
		if err := config.SaveConfig(cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Advisor.RulesFile != "" {
		writeIfNotExists(cfg.Advisor.RulesFile, defaultRulesYAML)
	}

	store, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}
	store.Close()
	fmt.Printf("Ledger ready: %s\n", cfg.LedgerPath())

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set FINTRACK_API_KEY environment variable")
	fmt.Println("  3. Run 'fintrack tx add -a -25 超市买菜' to record a transaction")
	fmt.Println("  4. Run 'fintrack ask -m \"给我建议\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Endpoint: %s\n", llm.NewClientFromConfig(cfg).Endpoint())
	fmt.Printf("Model: %s\n", cfg.Advisor.Model)
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Remote advisor: enabled=%v stream=%v\n", cfg.Advisor.RemoteEnabled, cfg.Advisor.Stream)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("WebUI: enabled=%v\n", cfg.Channels.WebUI.Enabled)
	if cfg.Digest.Enabled {
		fmt.Printf("Digest: %s -> %s/%s\n", cfg.Digest.Schedule, cfg.Digest.Channel, cfg.Digest.ChatID)
	} else {
		fmt.Println("Digest: disabled")
	}

	dbPath := cfg.LedgerPath()
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println("Ledger: not found (run 'fintrack onboard')")
		return nil
	}
	store, err := ledger.Open(dbPath)
	if err != nil {
		fmt.Printf("Ledger: error (%v)\n", err)
		return nil
	}
	defer store.Close()
	n, _ := store.Count()
	fmt.Printf("Ledger: %s (%d transactions)\n", dbPath, n)

	return nil
}

func writeIfNotExists(path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Printf("  Created: %s\n", path)
	}
}

const defaultRulesYAML = `# Extra keywords for automatic categorization, checked after the built-in
# rules. Keys are category names, values are keywords.
餐饮:
  - 食堂
  - 便利店
交通:
  - 共享单车
娱乐:
  - 剧本杀
`
