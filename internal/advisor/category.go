package advisor

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Category is a spending or income bucket. Values are the display names
// stored in the ledger.
type Category string

const (
	CategoryFood          Category = "餐饮"
	CategoryTransport     Category = "交通"
	CategoryShopping      Category = "购物"
	CategoryEntertainment Category = "娱乐"
	CategoryUtilities     Category = "水电"
	CategoryRent          Category = "房租"
	CategoryEducation     Category = "教育"
	CategoryHealth        Category = "医疗"
	CategorySalary        Category = "工资"
	CategoryInvestment    Category = "投资"
	CategoryGift          Category = "礼金"
	CategoryRefund        Category = "退款"
	CategoryOther         Category = "其他"
)

type keywordRule struct {
	category Category
	keywords []string
}

// builtinRules is scanned in order; the first matching keyword wins.
var builtinRules = []keywordRule{
	{CategoryFood, []string{"超市", "买菜", "餐", "饭", "外卖", "美团", "饿了么", "咖啡", "奶茶", "水果", "零食", "面包", "restaurant", "food", "lunch", "dinner", "breakfast", "coffee", "grocery"}},
	{CategoryTransport, []string{"地铁", "公交", "打车", "出租", "滴滴", "加油", "停车", "高铁", "火车", "机票", "航班", "taxi", "uber", "metro", "subway", "bus", "fuel"}},
	{CategoryShopping, []string{"淘宝", "京东", "拼多多", "衣服", "鞋", "包包", "化妆品", "商场", "网购", "shopping", "amazon", "clothes"}},
	{CategoryEntertainment, []string{"电影", "游戏", "ktv", "演唱会", "旅游", "门票", "健身", "会员", "movie", "game", "netflix", "concert"}},
	{CategoryUtilities, []string{"水费", "电费", "燃气", "煤气", "话费", "宽带", "物业", "utility", "electric", "water bill", "internet"}},
	{CategoryRent, []string{"房租", "租金", "房贷", "rent", "mortgage"}},
	{CategoryEducation, []string{"学费", "培训", "课程", "书", "教材", "tuition", "course", "book"}},
	{CategoryHealth, []string{"医院", "药", "体检", "门诊", "牙", "保险", "hospital", "pharmacy", "doctor", "medicine"}},
	{CategorySalary, []string{"工资", "薪", "奖金", "salary", "payroll", "bonus"}},
	{CategoryRefund, []string{"退款", "退货", "返现", "refund", "cashback"}},
	{CategoryInvestment, []string{"基金", "股票", "理财", "利息", "分红", "stock", "fund", "dividend", "interest"}},
	{CategoryGift, []string{"红包", "礼物", "礼金", "份子", "gift"}},
}

// fallbackPool is the set a random fallback draws from.
var fallbackPool = []Category{
	CategoryShopping,
	CategoryFood,
	CategoryEntertainment,
	CategoryTransport,
	CategoryOther,
}

// FallbackFunc picks a category for a description no keyword matched.
type FallbackFunc func(description string) Category

// FixedFallback always answers CategoryOther.
func FixedFallback(string) Category {
	return CategoryOther
}

// RandomFallback draws uniformly from a fixed five-category set.
func RandomFallback(rng *rand.Rand) FallbackFunc {
	var mu sync.Mutex
	return func(string) Category {
		mu.Lock()
		defer mu.Unlock()
		return fallbackPool[rng.Intn(len(fallbackPool))]
	}
}

// Classify maps a free-text description to a category by case-insensitive
// keyword match.
func (a *Advisor) Classify(description string) Category {
	if cat, ok := a.match(description); ok {
		return cat
	}
	if a.Fallback != nil {
		return a.Fallback(description)
	}
	return CategoryOther
}

func (a *Advisor) match(description string) (Category, bool) {
	text := strings.ToLower(description)
	if text == "" {
		return "", false
	}
	for _, rule := range a.rules() {
		for _, kw := range rule.keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				return rule.category, true
			}
		}
	}
	return "", false
}

func (a *Advisor) rules() []keywordRule {
	if len(a.extraRules) == 0 {
		return builtinRules
	}
	return append(append([]keywordRule{}, builtinRules...), a.extraRules...)
}

// LoadRules appends keyword rules from a YAML file mapping category name to
// a keyword list. A missing file is not an error.
func (a *Advisor) LoadRules(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read rules file %q: %w", path, err)
	}

	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse rules file %q: %w", path, err)
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		keywords := make([]string, 0, len(raw[name]))
		for _, kw := range raw[name] {
			if kw = strings.TrimSpace(kw); kw != "" {
				keywords = append(keywords, kw)
			}
		}
		if strings.TrimSpace(name) == "" || len(keywords) == 0 {
			continue
		}
		a.extraRules = append(a.extraRules, keywordRule{category: Category(strings.TrimSpace(name)), keywords: keywords})
	}
	return nil
}

// categoryAliases are the words in a chat question that select a
// category-specific advice block.
var categoryAliases = []keywordRule{
	{CategoryFood, []string{"餐饮", "吃饭", "伙食", "外卖", "food"}},
	{CategoryTransport, []string{"交通", "通勤", "打车", "transport"}},
	{CategoryShopping, []string{"购物", "网购", "买东西", "shopping"}},
	{CategoryEntertainment, []string{"娱乐", "休闲", "entertainment"}},
	{CategoryUtilities, []string{"水电", "话费", "utilities"}},
	{CategoryRent, []string{"房租", "租房", "rent"}},
	{CategoryEducation, []string{"教育", "学习", "education"}},
	{CategoryHealth, []string{"医疗", "健康", "health"}},
}

func categoryMentioned(input string) (Category, bool) {
	text := strings.ToLower(input)
	for _, rule := range categoryAliases {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.category, true
			}
		}
	}
	return "", false
}
