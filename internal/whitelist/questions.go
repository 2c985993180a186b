package whitelist

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// defaultQuestions is the built-in bank used whenever the AI endpoint is
// unavailable or returns something unusable.
var defaultQuestions = []string{
	"你为什么想加入这个服务器？",
	"你在 Minecraft 中最喜欢做什么？",
	"如果发现其他玩家的箱子没有上锁，你会怎么做？",
	"你对恶意破坏他人建筑的行为怎么看？",
	"你每周大约会花多少时间玩 Minecraft？",
	"你之前在其他服务器有过游玩经历吗？请简单介绍。",
	"如果你和其他玩家发生了矛盾，你会如何处理？",
	"你会使用影响游戏公平性的作弊模组吗？为什么？",
	"你如何看待在公共区域乱砍乱伐的行为？",
	"你愿意遵守服务器的所有规则吗？包括你不认同的规则？",
	"描述一次你在游戏中帮助其他玩家的经历。",
	"你认为一个好的服务器社区应该是什么样的？",
	"如果管理员误判处罚了你，你会怎么做？",
	"你会如何对待刚加入服务器的新玩家？",
	"请介绍一下你自己，让大家认识你。",
}

var (
	questionLineRegex = regexp.MustCompile(`^\s*(?:\d+[\.、:：\)]\s*)(.+)$`)
	scoreRegex        = regexp.MustCompile(`\d+`)
)

func buildQuestionPrompt(count int) string {
	return fmt.Sprintf(
		"你是一个 Minecraft 生存服务器的白名单审核官。请生成 %d 道面向申请加入服务器的玩家的审核问题，"+
			"考察游戏态度、社区意识和规则认同。每行一道题，以序号开头，不要输出其他内容。", count)
}

// parseQuestions extracts numbered question lines from the model reply.
func parseQuestions(text string, count int) ([]string, error) {
	out := make([]string, 0, count)
	for _, line := range strings.Split(text, "\n") {
		m := questionLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		q := strings.TrimSpace(m[1])
		if q == "" {
			continue
		}
		out = append(out, q)
		if len(out) == count {
			break
		}
	}
	if len(out) < count {
		return nil, fmt.Errorf("model produced %d questions, need %d", len(out), count)
	}
	return out, nil
}

// pickDefaultQuestions samples count questions from the built-in bank.
func pickDefaultQuestions(count int) []string {
	if count >= len(defaultQuestions) {
		out := make([]string, len(defaultQuestions))
		copy(out, defaultQuestions)
		return out
	}
	idx := rand.Perm(len(defaultQuestions))[:count]
	out := make([]string, 0, count)
	for _, i := range idx {
		out = append(out, defaultQuestions[i])
	}
	return out
}

func buildScoringPrompt(gameID string, questions, answers []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "你是一个 Minecraft 服务器的白名单审核官，正在评估玩家 %s 的问答。", gameID)
	b.WriteString("请对下面每组问答打分，每题 0-10 分，只输出分数，每行一个数字，不要输出其他内容。\n")
	for i := range questions {
		answer := ""
		if i < len(answers) {
			answer = answers[i]
		}
		fmt.Fprintf(&b, "问题%d：%s\n回答%d：%s\n", i+1, questions[i], i+1, answer)
	}
	return b.String()
}

// parseScores pulls per-question scores out of the model reply, clamping
// each to 0-10.
func parseScores(text string, n int) ([]int, error) {
	matches := scoreRegex.FindAllString(text, -1)
	if len(matches) < n {
		return nil, fmt.Errorf("model produced %d scores, need %d", len(matches), n)
	}
	out := make([]int, 0, n)
	for _, m := range matches[:n] {
		v, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("parse score %q: %w", m, err)
		}
		if v < 0 {
			v = 0
		}
		if v > 10 {
			v = 10
		}
		out = append(out, v)
	}
	return out, nil
}

// heuristicScores is the degraded scoring path when the AI endpoint keeps
// failing: effort-based, judged only by answer substance.
func heuristicScores(answers []string, n int) []int {
	out := make([]int, n)
	for i := 0; i < n; i++ {
		answer := ""
		if i < len(answers) {
			answer = strings.TrimSpace(answers[i])
		}
		switch {
		case answer == "":
			out[i] = 0
		case utf8.RuneCountInString(answer) < 4:
			out[i] = 3
		default:
			out[i] = 6
		}
	}
	return out
}

func sumScores(scores []int) int {
	total := 0
	for _, s := range scores {
		total += s
	}
	return total
}
