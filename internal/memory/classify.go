package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Turns matching any of these never reach the store.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|access[_-]?key|token|secret|passwd|password)\s*[=:]\s*\S+`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}`),
}

// ContainsSensitive reports whether the text matches a credential
// pattern.
func ContainsSensitive(text string) bool {
	for _, p := range sensitivePatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Hand-tuned heuristics. Preference and procedure are checked before
// env because a sentence like "请总是用 docker 部署" is a preference
// even though it names infrastructure.
var (
	preferencePattern = regexp.MustCompile(`(?i)(我喜欢|我更喜欢|我偏好|请总是|以后都|记住我|叫我|\bprefer\b|\balways use\b|\bcall me\b|\bfrom now on\b|\bdon't ever\b)`)
	procedurePattern  = regexp.MustCompile(`(?i)(步骤|流程|先.{1,20}然后|按以下|\bstep \d|\bfirst\b.{1,40}\bthen\b|\bhow to\b|\brunbook\b|运行以下)`)
	envPattern        = regexp.MustCompile(`(?i)(环境变量|版本号|安装了|服务器上|\bubuntu\b|\bdebian\b|\bversion \d|\brunning on\b|\binstalled\b|\b\$[A-Z_]{3,}\b)`)
	importantPattern  = regexp.MustCompile(`(?i)(重要|必须|千万|一定要|\bimportant\b|\bmust\b|\bcritical\b|\bnever\b)`)
)

var domainKeywords = []struct {
	domain  string
	pattern *regexp.Regexp
}{
	{"deploy", regexp.MustCompile(`(?i)(部署|发布|上线|\bdeploy|\brelease\b|\brollout\b|\bk8s\b|\bkubernetes\b|\bdocker\b)`)},
	{"database", regexp.MustCompile(`(?i)(数据库|\bsql\b|\bpostgres\b|\bmysql\b|\bredis\b|\bmigration\b)`)},
	{"code", regexp.MustCompile(`(?i)(代码|重构|\bbug\b|\brefactor\b|\bfunction\b|\btest\b|\bcompile\b|\bgit\b)`)},
	{"infra", regexp.MustCompile(`(?i)(服务器|监控|日志|\bnginx\b|\bsystemd\b|\bcron\b|\bfirewall\b|\bdns\b)`)},
}

// Classification is the capture-time judgement for one turn.
type Classification struct {
	Type       Type
	Tier       Tier
	Domain     string
	Topic      string
	Importance float64
}

// Classify assigns a memory type, taxonomy and initial tier to a
// user turn. Preferences and procedures start in mid; turns judged
// important land in mid; everything else starts in short.
func Classify(text string) Classification {
	c := Classification{Type: TypeTurn, Tier: TierShort, Importance: 0.4}

	switch {
	case preferencePattern.MatchString(text):
		c.Type = TypePreference
		c.Tier = TierMid
		c.Importance = 0.7
	case procedurePattern.MatchString(text):
		c.Type = TypeProcedure
		c.Tier = TierMid
		c.Importance = 0.6
	case envPattern.MatchString(text):
		c.Type = TypeEnv
		c.Importance = 0.5
	}

	if importantPattern.MatchString(text) {
		c.Importance += 0.2
		if c.Type == TypeTurn {
			c.Tier = TierMid
		}
	}
	if len(text) > 400 {
		c.Importance += 0.1
	}
	if c.Importance > 1.0 {
		c.Importance = 1.0
	}

	for _, d := range domainKeywords {
		if d.pattern.MatchString(text) {
			c.Domain = d.domain
			break
		}
	}
	c.Topic = firstTopic(text)
	return c
}

// firstTopic picks the first token long enough to carry meaning.
func firstTopic(text string) string {
	for _, f := range strings.Fields(text) {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if len([]rune(f)) >= 3 {
			if runes := []rune(f); len(runes) > 24 {
				f = string(runes[:24])
			}
			return strings.ToLower(f)
		}
	}
	return ""
}

// ContentHash derives the dedupe key for a record.
func ContentHash(owner string, typ Type, content, skillName string) string {
	sum := sha256.Sum256([]byte(owner + "|" + string(typ) + "|" + content + "|" + skillName))
	return hex.EncodeToString(sum[:])
}

// Summarize produces the short display line stored next to content.
func Summarize(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
