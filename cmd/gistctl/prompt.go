package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/EphemeralEpoch/smart-book-gist/pkg/certs"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/groq"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultPrompt = "Explain the importance of fast language models in 3 concise bullet points."

func newPromptCommand(logger zerolog.Logger) *cobra.Command {
	var (
		promptText  string
		promptFile  string
		outPath     string
		temperature float64
		maxTokens   int
		model       string
	)

	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Send a one-off prompt to the Groq API and save the response",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()

			prompt := promptText
			if promptFile != "" {
				data, err := os.ReadFile(promptFile)
				if err != nil {
					return exitWith(exitBadConfig, fmt.Errorf("failed to read prompt file: %w", err))
				}
				prompt = strings.TrimSpace(string(data))
			}
			if prompt == "" {
				prompt = defaultPrompt
			}

			apiKey := os.Getenv("GROQ_API_KEY")
			if apiKey == "" {
				return exitWith(exitBadConfig, fmt.Errorf("GROQ_API_KEY not set; put your key in .env or export it"))
			}
			if model == "" {
				model = os.Getenv("GROQ_MODEL")
			}

			workDir, _ := os.Getwd()
			client, err := groq.NewClient(groq.Config{
				APIURL: os.Getenv("GROQ_API_URL"),
				APIKey: apiKey,
				Model:  model,
				CABundlePath: certs.EffectiveBundlePath(
					os.Getenv("SSL_CERT_FILE"), os.Getenv("REQUESTS_CA_BUNDLE"), workDir),
			}, logger)
			if err != nil {
				return exitWith(exitBadConfig, err)
			}

			fmt.Println("Sending request to Groq...")
			var resp *groq.ChatResponse
			retry := reconcile.RetryPolicy{MaxAttempts: 3, InitialDelay: 2 * time.Second, BackoffMultiplier: 2}
			err = reconcile.WithRetry(cmd.Context(), retry, func(ctx context.Context) error {
				var sendErr error
				resp, sendErr = client.SendChat(ctx, groq.ChatRequest{
					Messages:    groq.BuildMessages(prompt),
					Temperature: temperature,
					MaxTokens:   maxTokens,
				})
				return sendErr
			})
			if err != nil {
				return exitWith(exitRemoteFailure, err)
			}

			fmt.Println("\n=== GROQ Response Summary ===")
			fmt.Printf("Choices: %d\n", len(resp.Choices))
			if content := groq.FirstChoiceContent(resp); content != "" {
				fmt.Printf("\n[Choice 1] Preview:\n%s\n", groq.Preview(content))
			}
			if resp.Usage != nil {
				fmt.Printf("\nUsage: prompt=%d completion=%d total=%d\n",
					resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
			}

			if outPath == "" {
				outPath = groq.DefaultOutputPath(os.Getenv("OUTPUT_DIR"))
			}
			if err := groq.SaveJSON(resp, outPath); err != nil {
				return exitWith(exitRemoteFailure, err)
			}
			fmt.Printf("\nFull response written to: %s\n=== End summary ===\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&promptText, "prompt", "p", "", "Prompt text to send")
	cmd.Flags().StringVarP(&promptFile, "file", "f", "", "Path to a file containing prompt text")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file path")
	cmd.Flags().Float64VarP(&temperature, "temperature", "t", 0.2, "Sampling temperature")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 800, "Max tokens for generation")
	cmd.Flags().StringVar(&model, "model", "", "Model to use (overrides GROQ_MODEL)")
	cmd.MarkFlagsMutuallyExclusive("prompt", "file")
	return cmd
}
