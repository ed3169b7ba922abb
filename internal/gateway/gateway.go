package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/fintrack/internal/advisor"
	"github.com/stellarlinkco/fintrack/internal/bus"
	"github.com/stellarlinkco/fintrack/internal/channel"
	"github.com/stellarlinkco/fintrack/internal/config"
	"github.com/stellarlinkco/fintrack/internal/cron"
	"github.com/stellarlinkco/fintrack/internal/finance"
	"github.com/stellarlinkco/fintrack/internal/ledger"
	"github.com/stellarlinkco/fintrack/internal/llm"
	"github.com/stellarlinkco/fintrack/internal/session"
	"github.com/stellarlinkco/fintrack/internal/worker"
)

const (
	digestJobName   = "spending-digest"
	savingsJobName  = "weekly-savings-tips"
	savingsSchedule = "0 0 9 * * 1"
)

// TransactionSource supplies the history attached to each question.
// *ledger.Store implements it.
type TransactionSource interface {
	Since(from time.Time) ([]finance.Transaction, error)
}

// Options for creating a Gateway
type Options struct {
	Client        session.ChatClient
	Transactions  TransactionSource
	CronStorePath string
	SignalChan    chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	client   session.ChatClient
	advisor  *advisor.Advisor
	txs      TransactionSource
	store    *ledger.Store
	pool     *worker.Pool
	channels *channel.ChannelManager
	cron     *cron.Service
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session.Session
	runCtx   context.Context

	signalChan chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		advisor:    advisor.New(),
		now:        time.Now,
		sessions:   make(map[string]*session.Session),
		runCtx:     context.Background(),
		signalChan: opts.SignalChan,
	}

	if cfg.Advisor.RulesFile != "" {
		if err := g.advisor.LoadRules(cfg.Advisor.RulesFile); err != nil {
			log.Printf("[gateway] rules load warning: %v", err)
		}
	}

	g.txs = opts.Transactions
	if g.txs == nil {
		store, err := ledger.Open(cfg.LedgerPath())
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		g.store = store
		g.txs = store
	}

	g.client = opts.Client
	if g.client == nil {
		g.client = llm.NewClientFromConfig(cfg)
	}

	g.pool = worker.NewPool(cfg.Advisor.Workers, cfg.Advisor.QueueSize)

	cronStorePath := opts.CronStorePath
	if cronStorePath == "" {
		cronStorePath = filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
	}
	g.cron = cron.NewService(cronStorePath)
	g.cron.OnJob = g.runJob

	chMgr, err := channel.NewChannelManagerFromConfig(cfg.Channels, cfg.Gateway, g.bus)
	if err != nil {
		g.closeStore()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.mu.Lock()
	g.runCtx = ctx
	g.mu.Unlock()

	g.pool.Start()
	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureDigestJobs(); err != nil {
		log.Printf("[gateway] ensure digest jobs warning: %v", err)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	// Publishers blocked on a full outbound queue give up once ctx is done.
	cancel()
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
			g.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}
	sess := g.sessionFor(msg)

	if strings.HasPrefix(content, "/") {
		g.reply(ctx, msg, g.command(sess, content))
		return
	}

	txs, err := g.txs.Since(g.now().AddDate(0, 0, -g.contextDays()))
	if err != nil {
		log.Printf("[gateway] load transactions warning: %v", err)
		txs = nil
	}

	switch err := sess.Ask(ctx, content, txs); {
	case err == nil:
	case errors.Is(err, session.ErrBusy):
		g.reply(ctx, msg, "上一个问题还在回答中，请稍候再问。")
	default:
		log.Printf("[gateway] ask %s failed: %v", msg.SessionKey(), err)
		g.reply(ctx, msg, "服务暂时不可用，请稍后再试。")
	}
}

// sessionFor returns the session of msg's chat, creating it on first use.
func (g *Gateway) sessionFor(msg bus.InboundMessage) *session.Session {
	key := msg.SessionKey()

	g.mu.Lock()
	defer g.mu.Unlock()
	if sess, ok := g.sessions[key]; ok {
		return sess
	}

	remote := g.cfg.Advisor.RemoteEnabled
	if remote && g.cfg.Provider.APIKey == "" {
		log.Printf("[gateway] no API key configured, %s answers locally", key)
		remote = false
	}
	sess := session.New(session.Options{
		Client:        g.client,
		Advisor:       g.advisor,
		Preamble:      g.cfg.Advisor.Preamble,
		Pool:          g.pool,
		RemoteEnabled: remote,
		Streaming:     g.cfg.Advisor.Stream,
		MaxHistory:    g.cfg.Advisor.MaxHistory,
	})

	channelName, chatID := msg.Channel, msg.ChatID
	sess.OnFragment(func(fragment string) {
		g.bus.PublishOutbound(g.context(), bus.OutboundMessage{
			Channel: channelName,
			ChatID:  chatID,
			Kind:    bus.KindFragment,
			Content: fragment,
		})
	})
	sess.OnComplete(func(res llm.Result) {
		out := bus.OutboundMessage{
			Channel:  channelName,
			ChatID:   chatID,
			Kind:     bus.KindMessage,
			Content:  res.Text,
			Metadata: map[string]any{"source": string(res.Source)},
		}
		if res.Err != nil {
			out.Error = string(res.Err.Kind)
		}
		g.bus.PublishOutbound(g.context(), out)
	})

	g.sessions[key] = sess
	return sess
}

func (g *Gateway) context() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runCtx
}

func (g *Gateway) reply(ctx context.Context, msg bus.InboundMessage, text string) {
	g.bus.PublishOutbound(ctx, bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Kind:    bus.KindMessage,
		Content: text,
	})
}

const helpText = `可用命令：
/reset 清空对话
/local 使用本地建议
/remote 使用 AI 顾问
/budget <月收入> 生成月度预算
/festival <节日> 节日理财建议
/classify <描述> 判断交易类别
其他内容会作为问题发送给理财顾问。`

func (g *Gateway) command(sess *session.Session, content string) string {
	name, arg, _ := strings.Cut(content, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "/reset":
		if err := sess.Reset(); err != nil {
			return "正在回答上一个问题，稍后再重置。"
		}
		return "对话已重置。"
	case "/local":
		sess.SetRemoteEnabled(false)
		return "已切换到本地建议模式。"
	case "/remote":
		if g.cfg.Provider.APIKey == "" {
			return "未配置 API Key，无法使用 AI 顾问。"
		}
		sess.SetRemoteEnabled(true)
		return "已切换到 AI 顾问模式。"
	case "/budget":
		income, err := strconv.ParseFloat(arg, 64)
		if err != nil || income <= 0 {
			return "用法：/budget <月收入>，例如 /budget 8000"
		}
		return fmt.Sprintf("月收入 %.2f 元的预算建议：\n%s", income, g.advisor.BudgetPlan(income))
	case "/festival":
		if arg == "" {
			return "用法：/festival <节日名称>，例如 /festival 春节"
		}
		return g.advisor.FestivalAdvice(arg)
	case "/classify":
		if arg == "" {
			return "用法：/classify <交易描述>"
		}
		return fmt.Sprintf("「%s」属于：%s", arg, g.advisor.Classify(arg))
	default:
		return helpText
	}
}

func (g *Gateway) contextDays() int {
	if g.cfg.Advisor.ContextDays > 0 {
		return g.cfg.Advisor.ContextDays
	}
	return config.DefaultContextDays
}

func (g *Gateway) ensureDigestJobs() error {
	d := g.cfg.Digest
	if !d.Enabled {
		return nil
	}
	if d.Channel == "" || d.ChatID == "" {
		return errors.New("digest needs channel and chatId")
	}

	schedule := d.Schedule
	if schedule == "" {
		schedule = config.DefaultDigestSchedule
	}
	if _, err := g.cron.EnsureJob(digestJobName,
		cron.Schedule{Kind: cron.KindCron, Expr: schedule},
		cron.Payload{Kind: cron.PayloadDigest, Channel: d.Channel, ChatID: d.ChatID},
	); err != nil {
		return fmt.Errorf("ensure digest job: %w", err)
	}
	if _, err := g.cron.EnsureJob(savingsJobName,
		cron.Schedule{Kind: cron.KindCron, Expr: savingsSchedule},
		cron.Payload{Kind: cron.PayloadSavings, Channel: d.Channel, ChatID: d.ChatID},
	); err != nil {
		return fmt.Errorf("ensure savings job: %w", err)
	}
	return nil
}

// runJob renders a scheduled job and delivers it to the job's chat.
func (g *Gateway) runJob(ctx context.Context, job cron.CronJob) (string, error) {
	var text string
	switch job.Payload.Kind {
	case cron.PayloadDigest:
		txs, err := g.txs.Since(g.now().Add(-advisor.SummaryWindow))
		if err != nil {
			return "", fmt.Errorf("load transactions: %w", err)
		}
		text = "【理财日报】\n" + g.advisor.Digest(txs)
	case cron.PayloadSavings:
		text = g.advisor.SavingsTips(nil)
	default:
		text = job.Payload.Message
	}

	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if job.Payload.Channel != "" {
		if !g.bus.PublishOutbound(ctx, bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.ChatID,
			Kind:    bus.KindMessage,
			Content: text,
		}) {
			return "", fmt.Errorf("deliver job %s: %w", job.Name, ctx.Err())
		}
	}
	return text, nil
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()

	g.mu.Lock()
	for _, sess := range g.sessions {
		sess.Close()
	}
	g.mu.Unlock()

	_ = g.channels.StopAll()
	g.pool.Stop()
	g.closeStore()
	log.Printf("[gateway] shutdown complete")
	return nil
}

func (g *Gateway) closeStore() {
	if g.store == nil {
		return
	}
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close ledger warning: %v", err)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
