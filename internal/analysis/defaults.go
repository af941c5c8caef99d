package analysis

// Skill dimension names.
const (
	SkillEmpathy         = "empathy"
	SkillClarity         = "clarity"
	SkillActiveListening = "active_listening"
	SkillAdaptability    = "adaptability"
	SkillPositivity      = "positivity"
	SkillProfessionalism = "professionalism"
)

// GeneralScenario is used when a scenario has no dedicated hints.
const GeneralScenario = "general"

// DefaultRules returns the built-in rule table.
func DefaultRules() RuleSet {
	return RuleSet{
		Skills: []SkillRule{
			{
				Name: SkillEmpathy,
				WeakPatterns: []string{
					`^(はい、?)?(わかりました|分かりました|了解です|了解しました)[。.!！]?$`,
					`仕方(が)?ない`,
					`気にしないで`,
				},
				GoodPatterns: []string{
					`お気持ち`,
					`大変でしたね`,
					`ご不便`,
					`申し訳(ありません|ございません)`,
					`お察し`,
					`ご心配`,
				},
				Hints: []string{
					"相手の気持ちに寄り添う一言を添えてみましょう",
					"事実の確認の前に、相手の状況への理解を示しましょう",
				},
				Examples: []string{
					"それは大変でしたね。お気持ちお察しします。",
					"ご不便をおかけして申し訳ありません。",
				},
			},
			{
				Name: SkillClarity,
				WeakPatterns: []string{
					`えーと|えっと|あのー`,
					`たぶん|多分|かもしれない`,
					`なんか`,
					`とか`,
				},
				GoodPatterns: []string{
					`具体的に`,
					`まず|次に|最後に`,
					`結論(から|としては)`,
					`[0-9０-９]+`,
				},
				Hints: []string{
					"結論を先に伝えると伝わりやすくなります",
					"曖昧な表現を具体的な言葉に置き換えてみましょう",
				},
				Examples: []string{
					"結論から申し上げると、明日の15時までに対応します。",
					"まず現状を共有し、次に対応案をお伝えします。",
				},
			},
			{
				Name: SkillActiveListening,
				WeakPatterns: []string{
					`^(へえ|ふーん|そうですか)[。.]?$`,
					`それより`,
					`ところで`,
				},
				GoodPatterns: []string{
					`ということ(です|でしょう)か`,
					`つまり`,
					`おっしゃる(通り|とおり)`,
					`確認(させて|いたします|します)`,
					`[?？]$`,
				},
				Hints: []string{
					"相手の言葉を言い換えて、理解を確認しましょう",
					"話題を変える前に、相手の話を受け止めましょう",
				},
				Examples: []string{
					"つまり、納期を一週間延ばしたいということでしょうか？",
					"確認させてください。問題は請求額の差異ですね。",
				},
			},
			{
				Name: SkillAdaptability,
				WeakPatterns: []string{
					`できません`,
					`無理です?`,
					`規則(なので|ですから)`,
					`前例がない`,
				},
				GoodPatterns: []string{
					`代わりに`,
					`別の(方法|案)`,
					`いかがでしょう`,
					`ご提案`,
					`柔軟に`,
				},
				Hints: []string{
					"断るだけでなく、代わりの選択肢を示しましょう",
					"相手の状況に合わせた提案を加えてみましょう",
				},
				Examples: []string{
					"本日は難しいのですが、代わりに明日の午前はいかがでしょうか。",
					"別の方法として、オンラインでの対応もご提案できます。",
				},
			},
			{
				Name: SkillPositivity,
				WeakPatterns: []string{
					`でも|しかし`,
					`残念`,
					`ダメ|だめ`,
					`最悪`,
				},
				GoodPatterns: []string{
					`ありがと`,
					`嬉しい|うれしい`,
					`ぜひ`,
					`素晴らしい|すばらしい`,
					`楽しみ`,
				},
				Hints: []string{
					"否定から入らず、できることから伝えてみましょう",
					"感謝の言葉を添えると印象が良くなります",
				},
				Examples: []string{
					"ご連絡ありがとうございます。ぜひ一緒に進めましょう。",
					"素晴らしいご提案ですね。実現に向けて検討します。",
				},
			},
			{
				Name: SkillProfessionalism,
				WeakPatterns: []string{
					`マジ|やばい|ヤバい`,
					`[!！]{2,}`,
					`[wｗ]{2,}|（笑）|\(笑\)`,
					`じゃん|っす`,
				},
				GoodPatterns: []string{
					`ございます`,
					`いたします`,
					`恐れ入り`,
					`かしこまりました`,
					`承知(いたしました|しました)`,
				},
				Hints: []string{
					"くだけた表現を丁寧な言葉に置き換えましょう",
					"ビジネスの場にふさわしい敬語を使いましょう",
				},
				Examples: []string{
					"承知いたしました。確認のうえご連絡いたします。",
					"恐れ入りますが、資料をお送りいただけますでしょうか。",
				},
			},
		},
		Scenarios: map[string][]ScenarioHint{
			"customer_complaint": {
				{Skill: SkillEmpathy, Message: "まずはお客様の不満を受け止める言葉から始めましょう", Example: "ご不便をおかけして大変申し訳ございません。"},
				{Skill: SkillActiveListening, Message: "状況を言い換えて確認すると信頼につながります", Example: "つまり、商品が届いていないということでしょうか？"},
			},
			"team_meeting": {
				{Skill: SkillClarity, Message: "発言は結論から簡潔に伝えましょう", Example: "結論から言うと、リリースは来週に延期します。"},
				{Skill: SkillActiveListening, Message: "他のメンバーの意見を要約してから発言しましょう", Example: "つまり、テスト期間を延ばしたいということですね。"},
			},
			"negotiation": {
				{Skill: SkillAdaptability, Message: "譲れない点と譲れる点を整理して代案を示しましょう", Example: "価格は据え置きですが、代わりに納期を短縮できます。"},
			},
			"feedback": {
				{Skill: SkillPositivity, Message: "良かった点を先に伝えてから改善点に触れましょう", Example: "資料の構成が素晴らしかったです。次はデータも加えましょう。"},
			},
			GeneralScenario: {
				{Skill: SkillClarity, Message: "相手が一読で理解できる短い文を心がけましょう", Example: "まず要点を一つ伝え、次に詳細を補足します。"},
			},
		},
	}
}
