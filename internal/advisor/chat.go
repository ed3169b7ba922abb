package advisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/fintrack/internal/finance"
)

// SummaryWindow is the look-back used for summaries and budgets.
const SummaryWindow = 30 * 24 * time.Hour

var (
	summaryKeywords = []string{"建议", "分析", "总结", "本月", "这个月", "情况", "怎么样", "advice", "summary", "analy"}
	savingsKeywords = []string{"省钱", "储蓄", "存钱", "攒钱", "save", "saving"}
	budgetKeywords  = []string{"预算", "budget"}
)

var categoryTips = map[Category]string{
	CategoryFood: `餐饮支出建议：
• 每周制定菜单，集中采购食材
• 减少外卖频率，工作日尽量自带午餐
• 关注超市折扣时段，避免浪费临期食品`,
	CategoryTransport: `交通支出建议：
• 通勤优先选择地铁、公交等公共交通
• 短途出行考虑骑行或步行
• 打车前比较不同平台价格，拼车可分摊费用`,
	CategoryShopping: `购物支出建议：
• 购物前列清单，只买计划内物品
• 冷静期原则：非必需品加入购物车后等待 24 小时
• 定期清理闲置物品，避免重复购买`,
	CategoryEntertainment: `娱乐支出建议：
• 为娱乐设定固定月度额度
• 多利用免费的公园、博物馆和社区活动
• 合并或取消重复的视频、音乐会员`,
	CategoryUtilities: `水电支出建议：
• 随手关灯，电器不用时拔掉插头
• 夏季空调温度设置在 26 度左右
• 比较话费和宽带套餐，选择合适的档位`,
	CategoryRent: `住房支出建议：
• 房租最好控制在月收入的 30% 以内
• 考虑合租或选择通勤便利但租金较低的区域
• 续租前了解周边行情，争取合理租金`,
	CategoryEducation: `教育支出建议：
• 优先选择性价比高的线上课程
• 善用图书馆和免费学习资源
• 报班前明确学习目标，避免冲动报名`,
	CategoryHealth: `医疗支出建议：
• 配置基础医疗保险，降低大病风险
• 定期体检，早发现早处理
• 常用药品按需购买，注意有效期`,
}

// ChatAdvice answers a free-text question from fixed rules over txs.
func (a *Advisor) ChatAdvice(userInput string, txs []finance.Transaction) string {
	if len(txs) == 0 {
		return `目前还没有任何交易记录。
建议先记录最近的收入和支出，例如：
• 工资、奖金等收入
• 餐饮、交通、购物等日常开销
有了数据之后，我可以为你分析收支情况并给出更具体的建议。`
	}

	input := strings.ToLower(strings.TrimSpace(userInput))

	if cat, ok := categoryMentioned(input); ok {
		return categoryTips[cat]
	}
	if containsAny(input, savingsKeywords) {
		return a.SavingsTips(txs)
	}
	if containsAny(input, budgetKeywords) {
		return a.budgetAdvice(txs)
	}
	if containsAny(input, summaryKeywords) {
		return a.monthlySummary(txs)
	}

	return `我是你的本地理财助手，可以帮你：
• 分析最近 30 天的收支情况（例如："给我建议"）
• 提供分类支出建议（例如："餐饮怎么省钱"）
• 制定月度预算（例如："帮我做个预算"）
• 分享省钱技巧（例如："怎么存钱"）`
}

func (a *Advisor) monthlySummary(txs []finance.Transaction) string {
	recent := finance.Since(txs, a.now(), SummaryWindow)
	if len(recent) == 0 {
		return "最近 30 天没有交易记录，记录新的收支后我可以帮你分析。"
	}

	income, expense := finance.Totals(recent)
	savingRate := finance.Percent(income-expense, income)

	var sb strings.Builder
	sb.WriteString("最近 30 天财务概况：\n")
	fmt.Fprintf(&sb, "• 收入：%.2f 元\n", income)
	fmt.Fprintf(&sb, "• 支出：%.2f 元\n", expense)
	fmt.Fprintf(&sb, "• 储蓄率：%.1f%%\n", savingRate)

	breakdown := finance.ExpenseByCategory(recent)
	if len(breakdown) > 0 {
		top := breakdown[0]
		fmt.Fprintf(&sb, "• 支出最多的类别：%s，%.2f 元，占总支出的 %.1f%%\n",
			top.Category, top.Amount, finance.Percent(top.Amount, expense))
	} else {
		sb.WriteString("• 暂无支出记录\n")
	}

	switch {
	case income == 0:
		sb.WriteString("\n最近没有收入记录，请注意控制开支，避免动用应急资金。")
	case savingRate < 0:
		sb.WriteString("\n支出已经超过收入，建议尽快梳理非必要开支。")
	case savingRate < 10:
		sb.WriteString("\n储蓄率偏低，建议先把储蓄率提高到 10% 以上。")
	case savingRate < 30:
		sb.WriteString("\n储蓄情况良好，可以考虑把部分结余用于稳健理财。")
	default:
		sb.WriteString("\n储蓄率很高，继续保持，并为结余资金做好长期规划。")
	}
	return sb.String()
}

func (a *Advisor) budgetAdvice(txs []finance.Transaction) string {
	income, _ := finance.Totals(finance.Since(txs, a.now(), SummaryWindow))
	if income == 0 {
		return "最近 30 天没有收入记录，无法按收入制定预算。记录工资等收入后再试试。"
	}
	return fmt.Sprintf("按最近 30 天收入 %.2f 元制定的月度预算：\n", income) + a.BudgetPlan(income)
}

// BudgetPlan renders RecommendBudget for monthlyIncome, one category per
// line, followed by the savings share.
func (a *Advisor) BudgetPlan(monthlyIncome float64) string {
	budget := a.RecommendBudget(monthlyIncome, nil)
	if monthlyIncome < 0 {
		monthlyIncome = 0
	}
	var sb strings.Builder
	for _, b := range budgetShares {
		fmt.Fprintf(&sb, "• %s：%.2f 元（%.0f%%）\n", b.category, budget[b.category], b.share*100)
	}
	fmt.Fprintf(&sb, "• 储蓄：%.2f 元（%.0f%%）", monthlyIncome*SavingsShare, SavingsShare*100)
	return sb.String()
}

// SavingsTips renders SuggestSavings as a list.
func (a *Advisor) SavingsTips(txs []finance.Transaction) string {
	return formatList("省钱小贴士：", a.SuggestSavings(txs))
}

// Digest summarises the last 30 days of txs and lists every transaction
// DetectAbnormal flags in that window.
func (a *Advisor) Digest(txs []finance.Transaction) string {
	recent := finance.Since(txs, a.now(), SummaryWindow)
	if len(recent) == 0 {
		return "最近 30 天没有交易记录。"
	}

	var flagged []string
	for _, tx := range recent {
		if a.DetectAbnormal(tx, recent) {
			flagged = append(flagged, fmt.Sprintf("%s %s %.2f 元 %s",
				tx.Date.Format(finance.DateLayout), tx.Category, tx.Amount, tx.Description))
		}
	}

	out := a.monthlySummary(recent)
	if len(flagged) > 0 {
		out += "\n\n" + formatList(fmt.Sprintf("大额交易提醒（超过 %d 元）：", AbnormalThreshold), flagged)
	}
	return out
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func formatList(title string, items []string) string {
	var sb strings.Builder
	sb.WriteString(title)
	for _, item := range items {
		sb.WriteString("\n• ")
		sb.WriteString(item)
	}
	return sb.String()
}
