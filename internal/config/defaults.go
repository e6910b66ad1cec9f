package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Loop: LoopConfig{
			ServerURL: "https://lemanapro.loop.ru",
			Team:      "lemanapro",
		},
		Notification: NotificationConfig{
			DailyTime:               "08:50",
			Timezone:                "Europe/Moscow",
			ReminderIntervalMinutes: 15,
			PollIntervalSeconds:     5,
			WeekendAlerts:           false,
			WeeklyReport: WeeklyReport{
				Enabled: false,
				Weekday: "friday",
				Time:    "17:00",
			},
		},
		Commands: CommandsConfig{
			Take: "@take",
			Stop: "@stop",
		},
		Webhook: WebhookConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Path: "/webhook",
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "~/.dutybot/history.db",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
