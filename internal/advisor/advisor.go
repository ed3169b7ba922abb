// Package advisor is the local, offline financial advisor used when the
// remote model is disabled or unreachable.
package advisor

import (
	"fmt"
	"math"
	"time"

	"github.com/stellarlinkco/fintrack/internal/finance"
)

// AbnormalThreshold is the absolute amount above which a single
// transaction is flagged.
const AbnormalThreshold = 5000

// Advisor produces advice from fixed rules and tables. The zero value is
// usable; a nil Now means time.Now and a nil Fallback means CategoryOther.
type Advisor struct {
	Now      func() time.Time
	Fallback FallbackFunc

	extraRules []keywordRule
}

func New() *Advisor {
	return &Advisor{Now: time.Now, Fallback: FixedFallback}
}

func (a *Advisor) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

// SuggestSavings returns general savings tips. The input is not analysed.
func (a *Advisor) SuggestSavings(_ []finance.Transaction) []string {
	return []string{
		"每月收入到账后先存下至少 10%，再安排其余开支。",
		"减少外卖次数，自己做饭每月可节省不少餐饮费用。",
		"检查并取消不常用的会员和订阅服务。",
		"大额购物前等待 24 小时，避免冲动消费。",
		"使用公共交通代替打车，降低通勤成本。",
		"建立相当于 3 到 6 个月支出的应急基金。",
	}
}

// PredictMonthlyExpenses returns fixed per-category monthly projections.
func (a *Advisor) PredictMonthlyExpenses(_ []finance.Transaction) map[Category]float64 {
	return map[Category]float64{
		CategoryFood:          1500,
		CategoryTransport:     400,
		CategoryShopping:      800,
		CategoryEntertainment: 300,
		CategoryUtilities:     350,
		CategoryRent:          3000,
	}
}

// budgetShares splits monthly income; the remaining 10% is savings.
var budgetShares = []struct {
	category Category
	share    float64
}{
	{CategoryFood, 0.15},
	{CategoryTransport, 0.10},
	{CategoryShopping, 0.10},
	{CategoryEntertainment, 0.05},
	{CategoryUtilities, 0.10},
	{CategoryRent, 0.30},
	{CategoryEducation, 0.05},
	{CategoryHealth, 0.05},
}

// SavingsShare is the part of income RecommendBudget leaves unallocated.
const SavingsShare = 0.10

// RecommendBudget splits monthlyIncome across eight categories. Negative
// income is treated as zero.
func (a *Advisor) RecommendBudget(monthlyIncome float64, _ []finance.Transaction) map[Category]float64 {
	if monthlyIncome < 0 || math.IsNaN(monthlyIncome) {
		monthlyIncome = 0
	}
	out := make(map[Category]float64, len(budgetShares))
	for _, b := range budgetShares {
		out[b.category] = monthlyIncome * b.share
	}
	return out
}

// DetectAbnormal flags a transaction whose absolute amount exceeds
// AbnormalThreshold. history is currently unused.
func (a *Advisor) DetectAbnormal(tx finance.Transaction, _ []finance.Transaction) bool {
	return math.Abs(tx.Amount) > AbnormalThreshold
}

var festivalTips = map[string]string{
	"春节": `春节理财建议：
• 提前做好红包预算，按亲疏关系列出红包金额清单，总额控制在月收入的 20% 以内
• 年货采购列清单，避免节前集中冲动消费
• 提前预订返乡车票，比较不同出行方式的价格
• 年终奖先留出一部分存入储蓄或理财账户`,
	"中秋节": `中秋节理财建议：
• 月饼和礼品按需购买，避免过度包装的高价礼盒
• 聚餐提前预订，关注团购优惠
• 假期出游错峰出行，节省交通和住宿费用`,
	"双十一": `双十一理财建议：
• 提前列好购物清单，只买真正需要的东西
• 警惕先涨价后打折，对比历史价格
• 设定消费上限，不为凑满减而额外购物
• 谨慎使用分期付款，避免透支未来收入`,
}

// FestivalAdvice returns budgeting tips for a festival. Only exact names
// have dedicated text; anything else gets a generic template.
func (a *Advisor) FestivalAdvice(name string) string {
	if tip, ok := festivalTips[name]; ok {
		return tip
	}
	return fmt.Sprintf(`%s理财建议：
• 节日前制定专项预算，记录每一笔节日开支
• 礼品和聚餐量力而行，避免攀比消费
• 节后复盘%s期间的支出，为下一个节日做准备`, name, name)
}
