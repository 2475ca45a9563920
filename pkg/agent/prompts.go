package agent

// systemPrompt frames the model as the memory-keeping half of the agent.
const systemPrompt = `You are the memory manager for a long-running conversation.
You observe messages between a user and an assistant and maintain a durable
memory of everything worth remembering: facts about the user, preferences,
events, dates, plans and corrections. You never answer the user yourself.`

// entryPrompt asks the model to record the latest message.
const entryPrompt = `Record the latest message into memory by calling add_entry.
The summary must be a single concise sentence capturing the durable facts in
the message, written in third person. If the message contains no durable
facts, summarize what was discussed.`

// contextPrompt asks the model to synthesize the running context document.
const contextPrompt = `Synthesize the current state of the conversation into a
context document and store it by calling put_context. The document should
capture the user's situation, preferences, notable events with their dates,
and any open threads, so a future session can pick up seamlessly. Write it
as compact prose, most recent developments last.`

// previousContextHeader prefixes retrieved context when seeding a session.
const previousContextHeader = "[previous_context]"
