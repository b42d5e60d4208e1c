package main

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/spf13/cobra"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/cmd/launcher"
	"google.golang.org/adk/cmd/launcher/full"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/genai"

	"github.com/easeaico/snaplocator/internal/tools"
)

var agentCmd = &cobra.Command{
	Use:   "agent [launcher args]",
	Short: "Run an assistant that can inspect cached screens and locate elements",
	Long: `Run an LLM agent with access to the snapshot cache and the element resolver.

Remaining arguments go to the ADK launcher, e.g. "snaplocator agent console".
Requires GOOGLE_API_KEY.`,
	DisableFlagParsing: true,
	RunE:               withApp(runAgent),
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string, a *app) error {
	if err := a.cfg.RequireAPIKey(); err != nil {
		return err
	}
	ctx := cmd.Context()

	agentTools, err := tools.BuildTools(tools.ToolsConfig{
		Cache:    a.engine.Cache(),
		Resolver: a.engine.Resolver(),
	})
	if err != nil {
		return fmt.Errorf("failed to build tools: %w", err)
	}

	llmModel, err := gemini.NewModel(ctx, a.cfg.Model, &genai.ClientConfig{
		APIKey:  a.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("failed to create LLM model: %w", err)
	}

	llmAgent, err := llmagent.New(llmagent.Config{
		Name:        "snap_locator",
		Description: "查看缓存的界面快照并定位界面元素的助手",
		Model:       llmModel,
		Instruction: buildSystemPrompt(a.cfg.Cache.MaxAge.String()),
		Tools:       agentTools,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	// Periodic cleanup for the lifetime of the session.
	go a.engine.Cache().Run(ctx)

	config := &launcher.Config{
		AgentLoader: agent.NewSingleLoader(llmAgent),
	}
	l := full.NewLauncher()
	if err := l.Execute(ctx, config, args); err != nil {
		return fmt.Errorf("failed to run agent: %w\n\n%s", err, l.CommandLineSyntax())
	}
	return nil
}

var systemPromptTmpl = template.Must(template.New("systemPrompt").Parse(`
你是一个界面自动化助手，负责帮助用户查看已缓存的界面快照并在其中定位元素。

你具备以下能力：
1. 按 ID 或内容哈希查找快照（lookup_snapshot）
2. 获取某个页面最近的快照（latest_snapshot）
3. 根据元素定位器在快照中查找元素并给出点击坐标（resolve_element）
4. 清理过期快照（cleanup_cache）并查看缓存状态（cache_stats）

快照最长保留 {{.MaxAge}}，过期的快照会被自动清理。

在回答问题时：
- 定位元素前先确认目标快照，必要时使用 latest_snapshot 限定页面
- 如果结果的置信度低于下限，说明原因并列出候选元素，不要猜测
- 只有在用户需要时才返回完整 XML 内容
`))

// buildSystemPrompt renders the agent instruction.
func buildSystemPrompt(maxAge string) string {
	var buf bytes.Buffer
	_ = systemPromptTmpl.Execute(&buf, struct{ MaxAge string }{maxAge})
	return buf.String()
}
