package advisor

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/fintrack/internal/finance"
)

var fixedNow = time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)

func newTestAdvisor() *Advisor {
	a := New()
	a.Now = func() time.Time { return fixedNow }
	return a
}

func TestClassify_KnownKeywords(t *testing.T) {
	a := newTestAdvisor()
	tests := []struct {
		desc string
		want Category
	}{
		{"超市买菜", CategoryFood},
		{"地铁票", CategoryTransport},
		{"Starbucks COFFEE", CategoryFood},
		{"淘宝买衣服", CategoryShopping},
		{"电影票", CategoryEntertainment},
		{"三月电费", CategoryUtilities},
		{"交房租", CategoryRent},
		{"英语培训学费", CategoryEducation},
		{"医院挂号", CategoryHealth},
		{"三月工资", CategorySalary},
		{"基金分红", CategoryInvestment},
		{"新年红包", CategoryGift},
		{"退款到账", CategoryRefund},
		{"refund", CategoryRefund},
		{"REFUND of order", CategoryRefund},
		{"mutual fund", CategoryInvestment},
	}
	for _, tt := range tests {
		for i := 0; i < 3; i++ {
			if got := a.Classify(tt.desc); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.desc, got, tt.want)
			}
		}
	}
}

func TestClassify_Fallback(t *testing.T) {
	a := newTestAdvisor()
	if got := a.Classify("xyzzy"); got != CategoryOther {
		t.Errorf("fixed fallback = %q, want %q", got, CategoryOther)
	}

	var zero Advisor
	if got := zero.Classify(""); got != CategoryOther {
		t.Errorf("zero advisor fallback = %q, want %q", got, CategoryOther)
	}

	a.Fallback = RandomFallback(rand.New(rand.NewSource(1)))
	allowed := map[Category]bool{}
	for _, c := range fallbackPool {
		allowed[c] = true
	}
	for i := 0; i < 50; i++ {
		if got := a.Classify("xyzzy"); !allowed[got] {
			t.Fatalf("random fallback returned %q outside pool", got)
		}
	}
	// Known keywords stay deterministic with a random fallback.
	if got := a.Classify("超市买菜"); got != CategoryFood {
		t.Errorf("Classify = %q, want %q", got, CategoryFood)
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	os.WriteFile(path, []byte("宠物:\n  - 猫粮\n  - 宠物医院\n"), 0644)

	a := newTestAdvisor()
	if err := a.LoadRules(path); err != nil {
		t.Fatalf("LoadRules error: %v", err)
	}
	if got := a.Classify("买猫粮"); got != Category("宠物") {
		t.Errorf("Classify = %q, want 宠物", got)
	}
	// Built-in rules keep precedence.
	if got := a.Classify("宠物医院"); got != CategoryHealth {
		t.Errorf("Classify = %q, want %q", got, CategoryHealth)
	}

	if err := a.LoadRules(filepath.Join(dir, "missing.yaml")); err != nil {
		t.Errorf("missing file should be ignored: %v", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("[: not yaml"), 0644)
	if err := a.LoadRules(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestRecommendBudget_Sum(t *testing.T) {
	a := newTestAdvisor()
	for _, income := range []float64{0, 1, 1234.56, 8000, 1e7} {
		budget := a.RecommendBudget(income, nil)
		if len(budget) != 8 {
			t.Fatalf("len(budget) = %d, want 8", len(budget))
		}
		var sum float64
		for _, v := range budget {
			sum += v
		}
		if math.Abs(sum-0.9*income) > 1e-6*math.Max(1, income) {
			t.Errorf("income %v: sum = %v, want %v", income, sum, 0.9*income)
		}
	}
	if got := a.RecommendBudget(10000, nil)[CategoryRent]; got != 3000 {
		t.Errorf("rent = %v, want 3000", got)
	}
	if got := a.RecommendBudget(-5, nil)[CategoryFood]; got != 0 {
		t.Errorf("negative income: food = %v, want 0", got)
	}
}

func TestDetectAbnormal(t *testing.T) {
	a := newTestAdvisor()
	tests := []struct {
		amount float64
		want   bool
	}{
		{-5000, false},
		{-5000.01, true},
		{6000, true},
		{-20, false},
	}
	for _, tt := range tests {
		if got := a.DetectAbnormal(finance.Transaction{Amount: tt.amount}, nil); got != tt.want {
			t.Errorf("DetectAbnormal(%v) = %v, want %v", tt.amount, got, tt.want)
		}
	}
}

func TestFestivalAdvice(t *testing.T) {
	a := newTestAdvisor()
	if got := a.FestivalAdvice("春节"); !strings.Contains(got, "红包预算") {
		t.Errorf("春节 advice missing red envelope budget: %q", got)
	}
	if got := a.FestivalAdvice("中秋节"); !strings.Contains(got, "月饼") {
		t.Errorf("中秋节 advice = %q", got)
	}
	got := a.FestivalAdvice("万圣节")
	if !strings.Contains(got, "万圣节") {
		t.Errorf("generic advice should name the festival: %q", got)
	}
	if strings.Contains(got, "红包") {
		t.Error("generic advice should not reuse 春节 text")
	}
}

func TestSuggestSavingsAndPredict(t *testing.T) {
	a := newTestAdvisor()
	if len(a.SuggestSavings(nil)) == 0 {
		t.Error("expected savings tips")
	}
	pred := a.PredictMonthlyExpenses(nil)
	if pred[CategoryRent] <= 0 {
		t.Errorf("expected rent projection, got %v", pred)
	}
}

func sampleTransactions() []finance.Transaction {
	d := fixedNow.AddDate(0, 0, -3)
	return []finance.Transaction{
		{Date: d, Amount: 2000, Category: string(CategorySalary), Description: "工资"},
		{Date: d, Amount: -100, Category: string(CategoryFood), Description: "超市买菜"},
		{Date: d, Amount: -50, Category: string(CategoryTransport), Description: "地铁票"},
	}
}

func TestChatAdvice_Summary(t *testing.T) {
	a := newTestAdvisor()
	got := a.ChatAdvice("给我建议", sampleTransactions())

	for _, want := range []string{"餐饮", "66.7%", "2000.00", "150.00", "92.5%"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
}

func TestChatAdvice_ZeroIncome(t *testing.T) {
	a := newTestAdvisor()
	d := fixedNow.AddDate(0, 0, -1)
	txs := []finance.Transaction{
		{Date: d, Amount: -80, Category: string(CategoryFood)},
		{Date: d, Amount: -20, Category: string(CategoryTransport)},
	}
	got := a.ChatAdvice("分析一下", txs)

	for _, bad := range []string{"NaN", "Inf"} {
		if strings.Contains(got, bad) {
			t.Fatalf("summary contains %s:\n%s", bad, got)
		}
	}
	if !strings.Contains(got, "储蓄率：0.0%") {
		t.Errorf("expected 0%% saving rate:\n%s", got)
	}
	if !strings.Contains(got, "80.0%") {
		t.Errorf("expected top category share:\n%s", got)
	}
}

func TestChatAdvice_OnlyIncome(t *testing.T) {
	a := newTestAdvisor()
	txs := []finance.Transaction{{Date: fixedNow, Amount: 100, Category: string(CategorySalary)}}
	got := a.ChatAdvice("本月情况", txs)
	if strings.Contains(got, "NaN") || !strings.Contains(got, "暂无支出记录") {
		t.Errorf("unexpected summary:\n%s", got)
	}
}

func TestChatAdvice_Routes(t *testing.T) {
	a := newTestAdvisor()
	txs := sampleTransactions()

	tests := []struct {
		name  string
		input string
		txs   []finance.Transaction
		want  string
	}{
		{"empty history", "给我建议", nil, "还没有任何交易记录"},
		{"category", "餐饮怎么控制", txs, "餐饮支出建议"},
		{"category english", "FOOD tips", txs, "餐饮支出建议"},
		{"savings", "怎么存钱", txs, "省钱小贴士"},
		{"budget", "帮我做个预算", txs, "储蓄：200.00"},
		{"default", "你好", txs, "本地理财助手"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.ChatAdvice(tt.input, tt.txs)
			if !strings.Contains(got, tt.want) {
				t.Errorf("ChatAdvice(%q) missing %q:\n%s", tt.input, tt.want, got)
			}
		})
	}
}

func TestChatAdvice_OldTransactionsIgnored(t *testing.T) {
	a := newTestAdvisor()
	txs := []finance.Transaction{{Date: fixedNow.AddDate(0, -3, 0), Amount: -10, Category: "餐饮"}}
	got := a.ChatAdvice("给我建议", txs)
	if !strings.Contains(got, "最近 30 天没有交易记录") {
		t.Errorf("expected no-recent message:\n%s", got)
	}
}

func TestBudgetPlan(t *testing.T) {
	a := newTestAdvisor()
	got := a.BudgetPlan(10000)
	for _, want := range []string{"房租：3000.00 元（30%）", "储蓄：1000.00 元（10%）"} {
		if !strings.Contains(got, want) {
			t.Errorf("plan missing %q:\n%s", want, got)
		}
	}
	if got := a.BudgetPlan(-5); !strings.Contains(got, "储蓄：0.00") {
		t.Errorf("negative income plan:\n%s", got)
	}
}

func TestDigest(t *testing.T) {
	a := newTestAdvisor()
	txs := append(sampleTransactions(), finance.Transaction{
		Date: fixedNow.AddDate(0, 0, -2), Amount: -6000, Category: string(CategoryShopping), Description: "笔记本电脑",
	})
	got := a.Digest(txs)
	if !strings.Contains(got, "最近 30 天财务概况") || !strings.Contains(got, "笔记本电脑") {
		t.Errorf("digest:\n%s", got)
	}

	quiet := a.Digest(sampleTransactions())
	if strings.Contains(quiet, "大额交易提醒") {
		t.Errorf("no abnormal transactions expected:\n%s", quiet)
	}
	if got := a.Digest(nil); !strings.Contains(got, "没有交易记录") {
		t.Errorf("empty digest = %q", got)
	}
}
